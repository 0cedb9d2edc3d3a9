package tts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider defaults applied when a voice parameter is left empty.
const (
	DefaultAUE = "raw"
	DefaultAUF = "audio/L16;rate=16000"
	DefaultVCN = "xiaoyan"
	DefaultTTE = "utf8"
)

// Credentials identify the application against the XFYun open platform.
type Credentials struct {
	AppID     string
	APIKey    string
	APISecret string
}

// Validate reports every missing field as a single MissingCredentials error.
func (c Credentials) Validate() error {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, "app_id")
	}
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.APISecret == "" {
		missing = append(missing, "api_secret")
	}
	if len(missing) > 0 {
		return newError(KindMissingCredentials, "missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// VoiceParameters are the "business" fields of a synthesis request.
// Empty strings and nil numbers fall back to provider defaults.
type VoiceParameters struct {
	AUE    string // audio encoding: raw, lame, speex...
	AUF    string // audio format, e.g. audio/L16;rate=16000
	VCN    string // voice name
	TTE    string // text encoding
	Speed  *int   // 0-100
	Volume *int   // 0-100
	Pitch  *int   // 0-100
}

// Validate checks that numeric parameters are within [0,100].
func (p VoiceParameters) Validate() error {
	for _, f := range []struct {
		name  string
		value *int
	}{
		{"speed", p.Speed},
		{"volume", p.Volume},
		{"pitch", p.Pitch},
	} {
		if f.value == nil {
			continue
		}
		if *f.value < 0 || *f.value > 100 {
			return &Error{
				Kind:    KindInvalidParameter,
				Message: fmt.Sprintf("%s must be between 0 and 100, got %d", f.name, *f.value),
			}
		}
	}
	return nil
}

// WithDefaults returns a copy with provider defaults filled in.
func (p VoiceParameters) WithDefaults() VoiceParameters {
	if p.AUE == "" {
		p.AUE = DefaultAUE
	}
	if p.AUF == "" {
		p.AUF = DefaultAUF
	}
	if p.VCN == "" {
		p.VCN = DefaultVCN
	}
	if p.TTE == "" {
		p.TTE = DefaultTTE
	}
	return p
}

// Int returns a pointer to v, for building VoiceParameters literals.
func Int(v int) *int {
	return &v
}

// Synthesizer is implemented by XFYunClient. The plugin layer depends on it
// so tests can substitute a fake.
type Synthesizer interface {
	// Synthesize returns the complete audio for text, or a typed *Error.
	Synthesize(ctx context.Context, text string, timeout time.Duration) ([]byte, error)

	// SynthesizeToFile stores the audio as an artifact and returns its path.
	SynthesizeToFile(ctx context.Context, text string, timeout time.Duration) (string, error)

	// RemoveArtifact deletes a single artifact returned by SynthesizeToFile.
	RemoveArtifact(path string) error

	// Cleanup removes every artifact left in the storage root.
	Cleanup() error
}
