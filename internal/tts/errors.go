package tts

import (
	"errors"
	"strconv"
)

// Kind classifies synthesis failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindMissingCredentials
	KindInputTooLong
	KindInvalidInput
	KindInvalidParameter
	KindConnectionError
	KindProviderError
	KindTimeout
	KindDecodeError
	KindEmptyResult
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindMissingCredentials: "missing_credentials",
	KindInputTooLong:       "input_too_long",
	KindInvalidInput:       "invalid_input",
	KindInvalidParameter:   "invalid_parameter",
	KindConnectionError:    "connection_error",
	KindProviderError:      "provider_error",
	KindTimeout:            "timeout",
	KindDecodeError:        "decode_error",
	KindEmptyResult:        "empty_result",
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInputTooLong       = errors.New("input too long")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrConnection         = errors.New("connection error")
	ErrProvider           = errors.New("provider error")
	ErrTimeout            = errors.New("synthesis timed out")
	ErrDecode             = errors.New("decode error")
	ErrEmptyResult        = errors.New("empty result")
)

var kindSentinels = map[Kind]error{
	KindMissingCredentials: ErrMissingCredentials,
	KindInputTooLong:       ErrInputTooLong,
	KindInvalidInput:       ErrInvalidInput,
	KindInvalidParameter:   ErrInvalidParameter,
	KindConnectionError:    ErrConnection,
	KindProviderError:      ErrProvider,
	KindTimeout:            ErrTimeout,
	KindDecodeError:        ErrDecode,
	KindEmptyResult:        ErrEmptyResult,
}

// Error is the error type returned by every synthesis operation.
type Error struct {
	Kind Kind

	// Code is the provider status code for KindProviderError, or a short
	// machine-readable reason for validation errors.
	Code string

	// Message is the provider message (verbatim) or a local reason.
	Message string

	// SID is the provider session id, when one was received.
	SID string

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := "xfyun: " + e.Kind.String()
	if e.Code != "" {
		s += " (" + e.Code + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewError builds an *Error for callers outside the package (configuration
// validation reports KindInvalidParameter this way).
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
