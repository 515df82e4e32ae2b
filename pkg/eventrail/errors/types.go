package errors

import (
	"fmt"
	"time"
)

// ValidationError indicates a command envelope failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ConflictError indicates a domain rule rejected the command.
type ConflictError struct {
	Key     string
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("conflict on %s: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("conflict: %s", e.Message)
}

// StoreError wraps a storage backend failure. Transient marks failures a
// retry may fix (lock contention, busy database); the rest are fatal.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	mode := "fatal"
	if e.Transient {
		mode = "transient"
	}
	return fmt.Sprintf("store %s failed (%s): %s", e.Op, mode, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation exceeded its budget.
type TimeoutError struct {
	Operation string
	Budget    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Budget, e.Operation)
}

// DeliveryError indicates the bus or broker failed to hand off an event.
type DeliveryError struct {
	Topic string
	Err   error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %s", e.Topic, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a subscriber or projector failure.
type HandlerError struct {
	Handler string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %s", e.Handler, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
