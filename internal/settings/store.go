package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/tts-gateway/internal/config"
	"github.com/lexiqai/tts-gateway/internal/tts"
)

const (
	settingsDirPerm  = 0o750
	settingsFilePerm = 0o600
)

// Settings are the values changed at runtime through chat commands.
// Empty strings and nil pointers mean "not overridden".
type Settings struct {
	AppID     string `yaml:"app_id,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APISecret string `yaml:"api_secret,omitempty"`

	AUE    string `yaml:"aue,omitempty"`
	AUF    string `yaml:"auf,omitempty"`
	VCN    string `yaml:"vcn,omitempty"`
	TTE    string `yaml:"tte,omitempty"`
	Speed  *int   `yaml:"speed,omitempty"`
	Volume *int   `yaml:"volume,omitempty"`
	Pitch  *int   `yaml:"pitch,omitempty"`
}

// FromConfig seeds settings from the environment configuration.
func FromConfig(cfg *config.Config) Settings {
	creds := cfg.Credentials()
	params := cfg.VoiceParameters()
	return Settings{
		AppID:     creds.AppID,
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		AUE:       params.AUE,
		AUF:       params.AUF,
		VCN:       params.VCN,
		TTE:       params.TTE,
		Speed:     params.Speed,
		Volume:    params.Volume,
		Pitch:     params.Pitch,
	}
}

// Merge returns s with every field set in override replacing the one in s.
func (s Settings) Merge(override Settings) Settings {
	if override.AppID != "" {
		s.AppID = override.AppID
	}
	if override.APIKey != "" {
		s.APIKey = override.APIKey
	}
	if override.APISecret != "" {
		s.APISecret = override.APISecret
	}
	params := config.VoiceArgs{
		Speed:  override.Speed,
		Volume: override.Volume,
		Pitch:  override.Pitch,
	}
	if override.AUE != "" {
		params.AUE = &override.AUE
	}
	if override.AUF != "" {
		params.AUF = &override.AUF
	}
	if override.VCN != "" {
		params.VCN = &override.VCN
	}
	if override.TTE != "" {
		params.TTE = &override.TTE
	}
	return s.Apply(params)
}

// WithCredentials returns s with the credentials replaced.
func (s Settings) WithCredentials(creds tts.Credentials) Settings {
	s.AppID = creds.AppID
	s.APIKey = creds.APIKey
	s.APISecret = creds.APISecret
	return s
}

// Apply returns s with a partial voice update applied.
func (s Settings) Apply(args config.VoiceArgs) Settings {
	params := args.Apply(s.VoiceParameters())
	s.AUE, s.AUF, s.VCN, s.TTE = params.AUE, params.AUF, params.VCN, params.TTE
	s.Speed, s.Volume, s.Pitch = params.Speed, params.Volume, params.Pitch
	return s
}

// Credentials returns the stored XFYun credentials.
func (s Settings) Credentials() tts.Credentials {
	return tts.Credentials{AppID: s.AppID, APIKey: s.APIKey, APISecret: s.APISecret}
}

// VoiceParameters returns the stored voice parameters.
func (s Settings) VoiceParameters() tts.VoiceParameters {
	return tts.VoiceParameters{
		AUE:    s.AUE,
		AUF:    s.AUF,
		VCN:    s.VCN,
		TTE:    s.TTE,
		Speed:  s.Speed,
		Volume: s.Volume,
		Pitch:  s.Pitch,
	}
}

// Store persists Settings as YAML at a single path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for path. An empty path disables persistence.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing file yields zero Settings.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Settings
	if s.path == "" {
		return out, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return out, nil
}

// Save writes the settings file, replacing it atomically.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), settingsDirPerm); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, settingsFilePerm); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
