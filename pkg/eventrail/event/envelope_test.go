package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
)

// TestNew covers defaulting: generated EventID, version, timestamp, and
// self-correlation.
func TestNew(t *testing.T) {
	before := time.Now().UnixMilli()
	env := event.New("order.created", "orders", "ord-1",
		map[string]any{"total": 99.5})
	after := time.Now().UnixMilli()

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "order.created", env.EventType)
	assert.Equal(t, event.DefaultVersion, env.EventVersion)
	assert.Equal(t, "orders", env.Source)
	assert.Equal(t, "ord-1", env.Key)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.LessOrEqual(t, env.Timestamp, after)

	// An uncorrelated event is its own correlation root.
	assert.Equal(t, env.EventID, env.CorrelationID)
}

// TestOptions verifies explicit overrides win over defaults.
func TestOptions(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := event.New("order.created", "orders", "ord-1", nil,
		event.WithEventID("fixed-id"),
		event.WithCorrelationID("corr-1"),
		event.WithVersion("2.1"),
		event.WithTimestamp(at),
		event.WithSaga("saga-1", "fulfillment", 2, true),
	)

	assert.Equal(t, "fixed-id", env.EventID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "2.1", env.EventVersion)
	assert.Equal(t, at.UnixMilli(), env.Timestamp)
	require.NotNil(t, env.Saga)
	assert.Equal(t, "saga-1", env.SagaID())
	assert.Equal(t, int32(2), env.Saga.StepNumber)
	assert.True(t, env.IsCompensating())
}

// TestFollows inherits correlation and saga context from the parent.
func TestFollows(t *testing.T) {
	parent := event.New("order.created", "orders", "ord-1", nil,
		event.WithSaga("saga-1", "fulfillment", 1, false))

	child := event.Follows(parent, "stock.reserve", "products", "prod-9",
		map[string]any{"qty": 2.0})

	assert.NotEqual(t, parent.EventID, child.EventID)
	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	require.NotNil(t, child.Saga)
	assert.Equal(t, "saga-1", child.SagaID())

	// An explicit saga block on the child is not overwritten.
	comp := event.Follows(parent, "stock.release", "products", "prod-9", nil,
		event.WithSaga("saga-1", "fulfillment", 1, true))
	assert.True(t, comp.IsCompensating())
}

// TestValidate checks the ingress rules.
func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, event.New("order.created", "orders", "k", nil).Validate())
	})

	t.Run("missing type", func(t *testing.T) {
		env := event.New("", "orders", "k", nil)
		assert.Error(t, env.Validate())
	})

	t.Run("oversized type", func(t *testing.T) {
		long := make([]byte, event.MaxTypeLength+1)
		for i := range long {
			long[i] = 'a'
		}
		env := event.New(string(long), "orders", "k", nil)
		assert.Error(t, env.Validate())
	})

	t.Run("invalid characters", func(t *testing.T) {
		env := event.New("order created!", "orders", "k", nil)
		assert.Error(t, env.Validate())
	})

	t.Run("missing event ID", func(t *testing.T) {
		env := event.New("order.created", "orders", "k", nil,
			event.WithEventID(""))
		assert.Error(t, env.Validate())
	})
}

// TestMarshalDecode round-trips the wire form and tolerates unknown
// fields.
func TestMarshalDecode(t *testing.T) {
	env := event.New("payment.charged", "payments", "pay-1",
		map[string]any{"amount": 12.5, "currency": "EUR"},
		event.WithSaga("saga-1", "fulfillment", 3, false))

	data, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := event.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.Timestamp, decoded.Timestamp)
	assert.Equal(t, 12.5, decoded.Payload["amount"])
	require.NotNil(t, decoded.Saga)
	assert.Equal(t, "saga-1", decoded.Saga.SagaID)

	t.Run("unknown fields tolerated", func(t *testing.T) {
		raw := `{"eventId":"e1","eventType":"x.y","timestamp":1,"key":"k","futureField":true}`
		decoded, err := event.Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "e1", decoded.EventID)
		assert.Equal(t, event.DefaultVersion, decoded.EventVersion)
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		_, err := event.Decode([]byte("{nope"))
		assert.Error(t, err)
	})
}

// TestClone verifies independent payload and saga copies.
func TestClone(t *testing.T) {
	env := event.New("order.created", "orders", "k",
		map[string]any{"total": 1.0},
		event.WithSaga("saga-1", "t", 1, false))

	clone := env.Clone()
	clone.Payload["total"] = 2.0
	clone.Saga.SagaID = "other"

	assert.Equal(t, 1.0, env.Payload["total"])
	assert.Equal(t, "saga-1", env.Saga.SagaID)
}

// TestTypedHandler decodes the payload into the declared type.
func TestTypedHandler(t *testing.T) {
	type charge struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}

	var got charge
	handler := event.TypedHandler([]string{"payment.charged"},
		func(_ context.Context, payload charge, _ *event.Envelope) ([]*event.Envelope, error) {
			got = payload
			return nil, nil
		})

	env := event.New("payment.charged", "payments", "pay-1",
		map[string]any{"amount": 12.5, "currency": "EUR"})
	_, err := handler.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, charge{Amount: 12.5, Currency: "EUR"}, got)
	assert.Equal(t, []string{"payment.charged"}, handler.Handles())
}

// TestChainMiddleware applies middleware outermost-first.
func TestChainMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) event.MiddlewareFunc {
		return func(next event.Handler) event.Handler {
			return event.HandlerFunc(func(ctx context.Context, env *event.Envelope) ([]*event.Envelope, error) {
				order = append(order, name)
				return next.Handle(ctx, env)
			})
		}
	}

	base := event.HandlerFunc(func(context.Context, *event.Envelope) ([]*event.Envelope, error) {
		order = append(order, "handler")
		return nil, nil
	})

	chained := event.ChainMiddleware(base, mw("outer"), mw("inner"))
	_, err := chained.Handle(context.Background(), event.New("x.y", "s", "k", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
