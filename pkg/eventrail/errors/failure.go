package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure is the structured record attached to completions, dead-letter
// entries, and saga steps when processing fails. It carries only the ID
// fields that apply to its origin.
type Failure struct {
	// Kind classifies the failure.
	Kind Kind `json:"kind"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// EventID identifies the event being processed, when known.
	EventID string `json:"eventId,omitempty"`

	// SagaID identifies the owning saga, when the failure occurred inside one.
	SagaID string `json:"sagaId,omitempty"`

	// StepName identifies the saga step, when the failure occurred inside one.
	StepName string `json:"stepName,omitempty"`

	// Attempts is the number of attempts made before giving up.
	Attempts int `json:"attempts,omitempty"`

	// Err is the underlying error, not persisted.
	Err error `json:"-"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Attempts > 0 {
		return fmt.Sprintf("%s (kind: %s, attempts: %d)", f.Message, f.Kind, f.Attempts)
	}
	return fmt.Sprintf("%s (kind: %s)", f.Message, f.Kind)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure records an error as a classified failure.
func NewFailure(kind Kind, err error) *Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: kind, Message: msg, Err: err}
}

// AsFailure coerces any error into a Failure, categorizing it if needed.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(Categorize(err), err)
}

// Encode returns the JSON form used by persisted dead-letter entries.
func (f *Failure) Encode() string {
	data, err := json.Marshal(f)
	if err != nil {
		return f.Error()
	}
	return string(data)
}

// DecodeFailure parses a persisted failure record. Free-form text from
// older records comes back as a handler-kind failure with the text as
// its message.
func DecodeFailure(s string) *Failure {
	var f Failure
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return &Failure{Kind: KindHandler, Message: s}
	}
	return &f
}
