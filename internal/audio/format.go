package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format describes uncompressed PCM as announced by an XFYun "auf" value,
// e.g. "audio/L16;rate=16000".
type Format struct {
	Encoding   string
	SampleRate int
	BitDepth   int
	Channels   int
}

// ParseAUF parses an auf value. Only linear PCM ("audio/L<bits>") is
// understood; rate defaults to 16000 when absent.
func ParseAUF(auf string) (Format, error) {
	parts := strings.Split(auf, ";")
	mime := strings.TrimSpace(parts[0])

	encoding, ok := strings.CutPrefix(mime, "audio/L")
	if !ok {
		return Format{}, fmt.Errorf("unsupported audio format %q", auf)
	}
	bits, err := strconv.Atoi(encoding)
	if err != nil || bits <= 0 || bits%8 != 0 {
		return Format{}, fmt.Errorf("invalid bit depth in %q", auf)
	}

	f := Format{Encoding: "pcm", SampleRate: 16000, BitDepth: bits, Channels: 1}
	for _, p := range parts[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || strings.TrimSpace(key) != "rate" {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || rate <= 0 {
			return Format{}, fmt.Errorf("invalid sample rate in %q", auf)
		}
		f.SampleRate = rate
	}
	return f, nil
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration returns the playback length of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ClipDuration returns the playback length of a synthesized clip, or zero
// when the encoding is compressed (aue other than "raw") or auf is unknown.
func ClipDuration(aue, auf string, n int) time.Duration {
	if aue != "raw" {
		return 0
	}
	f, err := ParseAUF(auf)
	if err != nil {
		return 0
	}
	return f.Duration(n)
}
