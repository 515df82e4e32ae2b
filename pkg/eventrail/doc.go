/*
Package eventrail provides an embeddable event-sourcing runtime for
microservices: per-domain engines that record commands in an append-only
event log, fold them into materialized views, and hand them to other
services through a transactional outbox and an event bus.

# Overview

Each domain (customers, orders, payments, ...) gets one Engine. A
command enters as an event envelope, is stamped with a strictly ordered
sequence number, buffered durably, and processed through a fixed
pipeline: persist to the log, project into the view, enqueue on the
outbox, acknowledge, complete. The submitter gets a Waiter that resolves
with the terminal outcome; consumers get the event from the bus with
at-least-once delivery.

# Basic Usage

Define a projector and create an engine:

	projector := eventrail.ProjectorFunc(func(ctx context.Context,
		current store.State, env *event.Envelope) (store.State, error) {
	    switch env.EventType {
	    case "customer.create":
	        if current != nil {
	            return nil, &errors.ConflictError{Key: env.Key, Message: "already exists"}
	        }
	        return store.State{"name": env.Payload["name"], "status": "ACTIVE"}, nil
	    }
	    return current, nil
	})

	engine, err := eventrail.NewEngine("customers", projector)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	env := event.New("customer.create", "api", "cust-1",
	    map[string]any{"name": "Ada"})
	waiter, err := engine.HandleCommand(ctx, env)
	if err != nil {
	    log.Fatal(err)
	}
	result, err := waiter.Await(ctx, 5*time.Second)

Reads never touch the log:

	state, err := engine.View(ctx, "cust-1")

# Durability

The in-memory store set is the default. For durable single-process
deployments back the engine with SQLite, for multi-replica deployments
with Postgres:

	set, err := store.NewSQLiteSet("/var/lib/app/orders.db", "orders")
	engine, err := eventrail.NewEngine("orders", projector,
	    eventrail.WithStores(set.Set))

The event log is the source of truth; views can be rebuilt from it at
any time with RebuildViews.

# Sagas

The saga package coordinates multi-engine workflows, either as
choreography (bus listeners reacting to events, idempotent per event
ID) or as orchestration (declared step lists with per-step timeout,
retry, and reverse-order compensation).

See examples/commerce for a four-engine deployment exercising both.
*/
package eventrail
