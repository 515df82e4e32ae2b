package event

import (
	"fmt"
)

// BusError represents an error during event distribution.
type BusError struct {
	EventID string // The event that failed
	Topic   string // Event type being routed
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements error interface.
func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s on %s: %s: %v", e.EventID, e.Topic, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s on %s: %s", e.EventID, e.Topic, e.Message)
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Err
}
