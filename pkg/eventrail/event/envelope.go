package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
)

// MaxTypeLength is the longest accepted event type name.
const MaxTypeLength = 128

// DefaultVersion is the schema version assumed when an envelope carries none.
const DefaultVersion = "1.0"

// Saga is the envelope block tying an event to a saga execution.
// StepNumber and IsCompensating default to zero values when absent.
type Saga struct {
	SagaID         string `json:"sagaId,omitempty"`
	SagaType       string `json:"sagaType,omitempty"`
	StepNumber     int32  `json:"stepNumber,omitempty"`
	IsCompensating bool   `json:"isCompensating,omitempty"`
}

// Envelope is the wire form of every event in the system. It is
// self-describing JSON: consumers decode it without schema lookup, and
// unknown fields from newer producers are ignored on decode.
//
// Envelopes are immutable once created - any modification creates a new
// envelope via Clone or Follows.
type Envelope struct {
	// EventID uniquely identifies the event (UUID).
	EventID string `json:"eventId"`

	// EventType routes the event; dotted lowercase by convention
	// (e.g. "order.created"), at most MaxTypeLength characters.
	EventType string `json:"eventType"`

	// EventVersion is the payload schema version, DefaultVersion when empty.
	EventVersion string `json:"eventVersion,omitempty"`

	// Source names the producing domain or service.
	Source string `json:"source,omitempty"`

	// Timestamp is milliseconds since the Unix epoch. Zero means
	// not yet stamped; the pipeline stamps it at ingress.
	Timestamp int64 `json:"timestamp"`

	// Key is the domain key the event applies to. Events sharing a key
	// are ordered; events with different keys are independent.
	Key string `json:"key"`

	// CorrelationID groups every event descended from one root command.
	CorrelationID string `json:"correlationId,omitempty"`

	// Saga is present only on events participating in a saga.
	Saga *Saga `json:"saga,omitempty"`

	// Payload is the domain body.
	Payload map[string]any `json:"payload,omitempty"`
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithVersion sets the payload schema version.
func WithVersion(v string) Option {
	return func(e *Envelope) {
		e.EventVersion = v
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t.UnixMilli()
	}
}

// WithSaga attaches a saga block.
func WithSaga(sagaID, sagaType string, step int32, compensating bool) Option {
	return func(e *Envelope) {
		e.Saga = &Saga{
			SagaID:         sagaID,
			SagaType:       sagaType,
			StepNumber:     step,
			IsCompensating: compensating,
		}
	}
}

// New creates an envelope with the given type, source, key, and payload.
func New(eventType, source, key string, payload map[string]any, opts ...Option) *Envelope {
	e := &Envelope{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: DefaultVersion,
		Source:       source,
		Timestamp:    time.Now().UnixMilli(),
		Key:          key,
		Payload:      payload,
	}

	for _, opt := range opts {
		opt(e)
	}

	// If no correlation ID, the event IS the correlation root.
	if e.CorrelationID == "" {
		e.CorrelationID = e.EventID
	}

	return e
}

// Follows creates an envelope caused by a parent envelope. It inherits the
// parent's correlation ID and saga block, so a whole workflow shares one
// correlation root.
func Follows(parent *Envelope, eventType, source, key string, payload map[string]any, opts ...Option) *Envelope {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
	}
	e := New(eventType, source, key, payload, append(parentOpts, opts...)...)
	if e.Saga == nil && parent.Saga != nil {
		saga := *parent.Saga
		e.Saga = &saga
	}
	return e
}

// Validate checks the envelope is well-formed for ingress.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return &errors.ValidationError{Field: "eventType", Message: "must not be empty"}
	}
	if len(e.EventType) > MaxTypeLength {
		return &errors.ValidationError{Field: "eventType", Message: "exceeds 128 characters"}
	}
	for i := 0; i < len(e.EventType); i++ {
		c := e.EventType[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return &errors.ValidationError{Field: "eventType", Message: "contains invalid character"}
		}
	}
	if e.EventID == "" {
		return &errors.ValidationError{Field: "eventId", Message: "must not be empty"}
	}
	if e.Timestamp < 0 {
		return &errors.ValidationError{Field: "timestamp", Message: "must not be negative"}
	}
	return nil
}

// Time converts the ms-precision timestamp to time.Time.
// Zero timestamp yields the zero time.
func (e *Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// SagaID returns the saga ID or "" when the event is outside any saga.
func (e *Envelope) SagaID() string {
	if e.Saga == nil {
		return ""
	}
	return e.Saga.SagaID
}

// IsCompensating reports whether the event belongs to a rollback flow.
func (e *Envelope) IsCompensating() bool {
	return e.Saga != nil && e.Saga.IsCompensating
}

// Clone returns a deep copy. The payload map is copied one level deep;
// nested values are shared, so treat payload contents as immutable.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Saga != nil {
		saga := *e.Saga
		clone.Saga = &saga
	}
	if e.Payload != nil {
		payload := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		clone.Payload = payload
	}
	return &clone
}

// Marshal encodes the envelope to its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its JSON wire form. Unknown fields are
// tolerated; a missing eventVersion comes back as DefaultVersion.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &errors.ValidationError{Field: "envelope", Message: "malformed JSON: " + err.Error()}
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultVersion
	}
	return &e, nil
}

// Handler processes envelopes and optionally returns derived envelopes.
type Handler interface {
	// Handle processes an envelope and returns any derived envelopes.
	// Returning multiple envelopes enables fan-out patterns.
	Handle(ctx context.Context, env *Envelope) ([]*Envelope, error)

	// Handles returns the event types this handler processes.
	// An empty slice means the handler accepts all event types.
	Handles() []string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope) ([]*Envelope, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) ([]*Envelope, error) {
	return f(ctx, env)
}

// Handles returns nil (accepts all event types).
func (f HandlerFunc) Handles() []string {
	return nil
}

// TypedHandler wraps a function handling a specific payload type. The
// envelope payload is decoded into T through JSON.
func TypedHandler[T any](
	eventTypes []string,
	fn func(ctx context.Context, payload T, env *Envelope) ([]*Envelope, error),
) Handler {
	return &typedHandler[T]{
		eventTypes: eventTypes,
		fn:         fn,
	}
}

type typedHandler[T any] struct {
	eventTypes []string
	fn         func(ctx context.Context, payload T, env *Envelope) ([]*Envelope, error)
}

func (h *typedHandler[T]) Handle(ctx context.Context, env *Envelope) ([]*Envelope, error) {
	var payload T

	bytes, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, &BusError{
			EventID: env.EventID,
			Topic:   env.EventType,
			Message: "failed to marshal event payload",
			Err:     err,
		}
	}
	if err := json.Unmarshal(bytes, &payload); err != nil {
		return nil, &BusError{
			EventID: env.EventID,
			Topic:   env.EventType,
			Message: "failed to unmarshal event payload to expected type",
			Err:     err,
		}
	}

	return h.fn(ctx, payload, env)
}

func (h *typedHandler[T]) Handles() []string {
	return h.eventTypes
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	// Apply in reverse order so first middleware is outermost
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
