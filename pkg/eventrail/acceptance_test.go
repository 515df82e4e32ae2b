package eventrail_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrail/pkg/eventrail"
	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/saga"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// commerce is a two-engine deployment (orders, payments) sharing one
// bus, the shape the saga coordinator is built for.
type commerce struct {
	bus      *event.LocalBus
	orders   *eventrail.Engine
	payments *eventrail.Engine
}

func newCommerce(t *testing.T) *commerce {
	t.Helper()
	bus := event.NewBus(event.DefaultBusConfig)
	t.Cleanup(func() { bus.Close() })

	orders := eventrail.ProjectorFunc(func(_ context.Context, current store.State, env *event.Envelope) (store.State, error) {
		switch env.EventType {
		case "order.create":
			if current != nil {
				return nil, &errors.ConflictError{Key: env.Key, Message: "order already exists"}
			}
			return store.State{"status": "PLACED", "total": asNumber(env.Payload["total"])}, nil
		case "order.cancel":
			if current == nil {
				return nil, &errors.ConflictError{Key: env.Key, Message: "no such order"}
			}
			next := current.Clone()
			next["status"] = "CANCELLED"
			return next, nil
		case "order.confirm":
			next := current.Clone()
			next["status"] = "CONFIRMED"
			return next, nil
		}
		return current, nil
	})

	payments := eventrail.ProjectorFunc(func(_ context.Context, current store.State, env *event.Envelope) (store.State, error) {
		switch env.EventType {
		case "payment.charge":
			amount := asNumber(env.Payload["amount"])
			if amount > 100 {
				return nil, &errors.ConflictError{Key: env.Key, Message: "card declined"}
			}
			return store.State{"status": "CHARGED", "amount": amount}, nil
		case "payment.refund":
			if current == nil {
				return nil, &errors.ConflictError{Key: env.Key, Message: "nothing to refund"}
			}
			next := current.Clone()
			next["status"] = "REFUNDED"
			return next, nil
		}
		return current, nil
	})

	ordersEngine, err := eventrail.NewEngine("orders", orders, eventrail.WithBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { ordersEngine.Close() })

	paymentsEngine, err := eventrail.NewEngine("payments", payments, eventrail.WithBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { paymentsEngine.Close() })

	return &commerce{bus: bus, orders: ordersEngine, payments: paymentsEngine}
}

// runCommand submits to an engine and fails the step when the command is
// rejected, which is what saga actions do. The envelope is built per
// instance from the saga context.
func runCommand(engine *eventrail.Engine, build func(sc *saga.Context) *event.Envelope) saga.Action {
	return func(ctx context.Context, sc *saga.Context) error {
		env := build(sc)
		waiter, err := engine.HandleCommand(ctx, env)
		if err != nil {
			return err
		}
		result, err := waiter.Await(ctx, 5*time.Second)
		if err != nil {
			return err
		}
		if result.Status != store.CompletionCompleted {
			return fmt.Errorf("command %s rejected: %s", env.EventType, result.ErrorMessage)
		}
		return nil
	}
}

// checkoutSaga registers once; each instance reads its order ID and
// total from the initial context.
func checkoutSaga(c *commerce) *saga.Definition {
	return &saga.Definition{
		Name: "checkout",
		Steps: []saga.Step{
			{
				Name: "place-order",
				Action: runCommand(c.orders, func(sc *saga.Context) *event.Envelope {
					return event.New("order.create", "saga", sc.GetString("orderId"),
						map[string]any{"total": sc.Get("total")})
				}),
				Compensation: runCommand(c.orders, func(sc *saga.Context) *event.Envelope {
					return event.New("order.cancel", "saga", sc.GetString("orderId"), nil)
				}),
			},
			{
				Name: "charge-payment",
				Action: runCommand(c.payments, func(sc *saga.Context) *event.Envelope {
					return event.New("payment.charge", "saga", "pay-"+sc.GetString("orderId"),
						map[string]any{"amount": sc.Get("total")})
				}),
				Compensation: runCommand(c.payments, func(sc *saga.Context) *event.Envelope {
					return event.New("payment.refund", "saga", "pay-"+sc.GetString("orderId"), nil)
				}),
			},
			{
				Name: "confirm-order",
				Action: runCommand(c.orders, func(sc *saga.Context) *event.Envelope {
					return event.New("order.confirm", "saga", sc.GetString("orderId"), nil)
				}),
			},
		},
	}
}

// TestCheckoutSagaCompletes drives an order across both engines.
func TestCheckoutSagaCompletes(t *testing.T) {
	c := newCommerce(t)
	o := saga.NewOrchestrator(saga.NewMemoryStore(), saga.DefaultOrchestratorConfig)
	require.NoError(t, o.Register(checkoutSaga(c)))

	inst, err := o.Run(context.Background(), "checkout",
		map[string]any{"orderId": "ord-1", "total": 42.0})
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, inst.Status)

	order, err := c.orders.View(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", order["status"])

	payment, err := c.payments.View(context.Background(), "pay-ord-1")
	require.NoError(t, err)
	assert.Equal(t, "CHARGED", payment["status"])
}

// TestCheckoutSagaCompensates: the payment is declined, so the placed
// order is cancelled by the compensation and the saga ends FAILED.
func TestCheckoutSagaCompensates(t *testing.T) {
	c := newCommerce(t)
	o := saga.NewOrchestrator(saga.NewMemoryStore(), saga.DefaultOrchestratorConfig)
	require.NoError(t, o.Register(checkoutSaga(c)))

	// total 250 exceeds the projector's card limit.
	inst, err := o.Run(context.Background(), "checkout",
		map[string]any{"orderId": "ord-1", "total": 250.0})
	require.NoError(t, err)
	require.Equal(t, saga.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "card declined")

	order, err := c.orders.View(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", order["status"], "compensation cancelled the placed order")

	// The declined charge never materialized a payment view, but its
	// event is in the payments log.
	_, err = c.payments.View(context.Background(), "pay-ord-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var count int
	require.NoError(t, c.payments.ReplayAll(context.Background(),
		func(_ store.SequenceKey, _ *event.Envelope) error {
			count++
			return nil
		}))
	assert.Equal(t, 1, count, "the declined charge stays in the log")
}

// TestChoreographyAcrossEngines: an order event triggers a reactor
// listener that submits a payment command to the other engine.
func TestChoreographyAcrossEngines(t *testing.T) {
	c := newCommerce(t)

	r := saga.NewReactor(c.bus, saga.NewMemoryProcessedSet(), nil, saga.ReactorConfig{
		DefaultTimeout: time.Second,
	})
	t.Cleanup(r.Close)

	require.NoError(t, r.Register(saga.Listener{
		Name:   "payment-initiator",
		Topics: []string{"order.create"},
		Retry:  errors.NoRetry,
		Handler: event.HandlerFunc(func(ctx context.Context, env *event.Envelope) ([]*event.Envelope, error) {
			charge := event.New("payment.charge", "payment-initiator", "pay-"+env.Key,
				map[string]any{"amount": env.Payload["total"]},
				event.WithCorrelationID(env.CorrelationID))
			waiter, err := c.payments.HandleCommand(ctx, charge)
			if err != nil {
				return nil, err
			}
			if _, err := waiter.Await(ctx, 5*time.Second); err != nil {
				return nil, err
			}
			return nil, nil
		}),
	}))

	env := event.New("order.create", "api", "ord-1", map[string]any{"total": 30})
	waiter, err := c.orders.HandleCommand(context.Background(), env)
	require.NoError(t, err)
	_, err = waiter.Await(context.Background(), 5*time.Second)
	require.NoError(t, err)
	c.orders.DrainOutbox(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if payment, err := c.payments.View(context.Background(), "pay-ord-1"); err == nil {
			assert.Equal(t, "CHARGED", payment["status"])
			assert.Equal(t, float64(30), asNumber(payment["amount"]))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("payment view never materialized from the order event")
}
