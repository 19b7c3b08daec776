package synthesis

import (
	"context"
	"errors"
)

// Common synthesis errors
var (
	// ErrSynthesis is wrapped by every synthesis failure
	ErrSynthesis = errors.New("speech synthesis failed")

	// ErrEmptyText is returned when attempting to synthesize empty text
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrRateLimited is returned when API rate limits are exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidVoice is returned when the requested voice is not available
	ErrInvalidVoice = errors.New("invalid or unsupported voice")
)

// Synthesizer produces the full audio for text in one call
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// StreamingSynthesizer delivers audio incrementally. onChunk is called for
// every chunk in order and once more with final set after the last one. An
// error returned by onChunk aborts the stream.
type StreamingSynthesizer interface {
	Synthesizer
	SynthesizeStream(ctx context.Context, text string, onChunk func(chunk []byte, final bool) error) error
}

// Error provides detailed error information from synthesis providers.
// It matches ErrSynthesis with errors.Is.
type Error struct {
	// Provider that returned the error
	Provider string

	// Code is the provider-specific error code
	Code string

	// Message is the error message
	Message string

	// Cause is the underlying error, if any
	Cause error

	// Retryable indicates if the error is transient
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap exposes both ErrSynthesis and the cause
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrSynthesis, e.Cause}
	}
	return []error{ErrSynthesis}
}

// NewError creates a new synthesis Error
func NewError(provider, code, message string, cause error, retryable bool) *Error {
	return &Error{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}
