// Package errors provides the failure taxonomy shared by every engine
// component, plus categorization and retry with exponential backoff.
//
// The package implements a layered approach:
//   - Kinds: classify failures so callers can decide retry vs. reject
//   - Failure: a structured record carried through completions and DLQs
//   - Retry: handle transient failures with jittered exponential backoff
package errors

import (
	"context"
	"errors"
)

// Kind classifies a failure for routing and retry decisions.
type Kind int

const (
	// KindValidation indicates malformed input. Never retried.
	// Examples: missing event type, oversized type name, bad payload shape.
	KindValidation Kind = iota

	// KindConflict indicates a domain rule rejected the command.
	// Never retried; the event is recorded as failed without side effects.
	// Examples: insufficient stock, duplicate registration.
	KindConflict

	// KindTransientStore indicates a storage failure retry will likely fix.
	// Examples: busy database, lock contention, connection blips.
	KindTransientStore

	// KindFatalStore indicates a storage failure retry cannot fix.
	// Examples: corrupt schema, closed store, constraint violations.
	KindFatalStore

	// KindTimeout indicates an operation exceeded its budget or the
	// caller's context was cancelled while it ran.
	KindTimeout

	// KindDelivery indicates the bus or broker failed to hand off an event.
	// The outbox retries these up to its attempt budget.
	KindDelivery

	// KindHandler indicates subscriber or projector code failed.
	// Retried only where the caller's policy says so.
	KindHandler
)

// String returns the kind name used in logs and persisted failure records.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransientStore:
		return "transient_store"
	case KindFatalStore:
		return "fatal_store"
	case KindTimeout:
		return "timeout"
	case KindDelivery:
		return "delivery"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// KindFromString parses a persisted kind name. Unknown names map to
// KindHandler so old records stay readable.
func KindFromString(s string) Kind {
	switch s {
	case "validation":
		return KindValidation
	case "conflict":
		return KindConflict
	case "transient_store":
		return KindTransientStore
	case "fatal_store":
		return KindFatalStore
	case "timeout":
		return KindTimeout
	case "delivery":
		return KindDelivery
	default:
		return KindHandler
	}
}

// MarshalJSON encodes the kind as its string name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON decodes a kind from its string name.
func (k *Kind) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*k = KindFromString(s)
	return nil
}

// Categorize determines the kind of an arbitrary error.
func Categorize(err error) Kind {
	if err == nil {
		return KindHandler // shouldn't happen, fail safe
	}

	// Already-classified failures keep their kind.
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return KindConflict
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		if storeErr.Transient {
			return KindTransientStore
		}
		return KindFatalStore
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return KindDelivery
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	// Unknown errors come from user code. No retry by default.
	return KindHandler
}

// IsRetryable reports whether the error should be retried by default.
// Transient store failures, timeouts, and delivery failures are; the rest
// need their caller's explicit policy.
func IsRetryable(err error) bool {
	switch Categorize(err) {
	case KindTransientStore, KindTimeout, KindDelivery:
		return true
	default:
		return false
	}
}

// IsRejection reports whether the error permanently rejects the input.
func IsRejection(err error) bool {
	switch Categorize(err) {
	case KindValidation, KindConflict:
		return true
	default:
		return false
	}
}
