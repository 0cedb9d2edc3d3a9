package config

import (
	"strconv"
	"strings"

	"github.com/lexiqai/tts-gateway/internal/tts"
)

// Reasons carried in tts.Error.Code for KindInvalidParameter.
const (
	ReasonMalformedPair = "malformed_pair"
	ReasonUnknownParam  = "unknown_param"
	ReasonOutOfRange    = "out_of_range"
)

// VoiceParamNames lists the keys accepted by ParseVoiceArgs.
var VoiceParamNames = []string{"vcn", "speed", "volume", "pitch", "aue", "auf", "tte"}

// VoiceArgs is a partial update of voice parameters. Nil fields are unchanged.
type VoiceArgs struct {
	AUE    *string
	AUF    *string
	VCN    *string
	TTE    *string
	Speed  *int
	Volume *int
	Pitch  *int
}

// Empty reports whether no field is set.
func (a VoiceArgs) Empty() bool {
	return a == VoiceArgs{}
}

// ParseVoiceArgs parses "key=value&key=value". Keys are case-insensitive;
// speed, volume and pitch must be integers in [0,100]. Errors are
// tts.KindInvalidParameter with the reason in Code and the offending pair
// or key in Message.
func ParseVoiceArgs(args string) (VoiceArgs, error) {
	var out VoiceArgs
	for _, pair := range strings.Split(args, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return VoiceArgs{}, tts.NewError(tts.KindInvalidParameter, ReasonMalformedPair, pair)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "vcn":
			out.VCN = &value
		case "aue":
			out.AUE = &value
		case "auf":
			out.AUF = &value
		case "tte":
			out.TTE = &value
		case "speed", "volume", "pitch":
			n, err := parsePercent(value)
			if err != nil {
				return VoiceArgs{}, tts.NewError(tts.KindInvalidParameter, ReasonOutOfRange, key)
			}
			switch key {
			case "speed":
				out.Speed = &n
			case "volume":
				out.Volume = &n
			default:
				out.Pitch = &n
			}
		default:
			return VoiceArgs{}, tts.NewError(tts.KindInvalidParameter, ReasonUnknownParam, key)
		}
	}
	return out, nil
}

func parsePercent(value string) (int, error) {
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n > 100 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// Apply returns params with the set fields of a overlaid.
func (a VoiceArgs) Apply(params tts.VoiceParameters) tts.VoiceParameters {
	if a.AUE != nil {
		params.AUE = *a.AUE
	}
	if a.AUF != nil {
		params.AUF = *a.AUF
	}
	if a.VCN != nil {
		params.VCN = *a.VCN
	}
	if a.TTE != nil {
		params.TTE = *a.TTE
	}
	if a.Speed != nil {
		params.Speed = tts.Int(*a.Speed)
	}
	if a.Volume != nil {
		params.Volume = tts.Int(*a.Volume)
	}
	if a.Pitch != nil {
		params.Pitch = tts.Int(*a.Pitch)
	}
	return params
}
