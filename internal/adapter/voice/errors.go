package voice

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when a provider API key is missing.
	ErrNoAPIKey = errors.New("voice: API key required")

	// ErrUnknownConversation is returned for a handle the reasoner never issued.
	ErrUnknownConversation = errors.New("voice: unknown conversation")

	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("voice: empty audio")
)

// APIError represents an error response from a provider API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Provider   string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable returns true for rate limiting and server-side failures.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// TranscriptionError reports a failed speech-to-text call.
type TranscriptionError struct{ Err error }

func (e *TranscriptionError) Error() string { return "transcription failed: " + e.Err.Error() }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// ReasoningError reports a failed conversation call, including a failure
// in the middle of a reply stream.
type ReasoningError struct{ Err error }

func (e *ReasoningError) Error() string { return "reasoning failed: " + e.Err.Error() }
func (e *ReasoningError) Unwrap() error { return e.Err }

// SynthesisError reports a failed text-to-speech call.
type SynthesisError struct{ Err error }

func (e *SynthesisError) Error() string { return "synthesis failed: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

// AsTranscriptionError wraps err unless it already is a *TranscriptionError.
func AsTranscriptionError(err error) error {
	var te *TranscriptionError
	if err == nil || errors.As(err, &te) {
		return err
	}
	return &TranscriptionError{Err: err}
}

// AsReasoningError wraps err unless it already is a *ReasoningError.
func AsReasoningError(err error) error {
	var re *ReasoningError
	if err == nil || errors.As(err, &re) {
		return err
	}
	return &ReasoningError{Err: err}
}

// AsSynthesisError wraps err unless it already is a *SynthesisError.
func AsSynthesisError(err error) error {
	var se *SynthesisError
	if err == nil || errors.As(err, &se) {
		return err
	}
	return &SynthesisError{Err: err}
}
