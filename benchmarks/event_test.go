package benchmarks

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/sequence"
)

// BenchmarkSequenceNext measures uncontended sequence generation.
func BenchmarkSequenceNext(b *testing.B) {
	gen, err := sequence.NewGenerator(1)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := gen.Next(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSequenceNext_Parallel contends on one generator.
func BenchmarkSequenceNext_Parallel(b *testing.B) {
	gen, err := sequence.NewGenerator(1)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := gen.Next(); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkEnvelopeMarshal measures the wire encoding.
func BenchmarkEnvelopeMarshal(b *testing.B) {
	env := event.New("order.created", "orders", "ord-1",
		map[string]any{"customer": "cust-1", "total": 42.5, "items": 3})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.Marshal(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEnvelopeDecode measures the wire decoding.
func BenchmarkEnvelopeDecode(b *testing.B) {
	env := event.New("order.created", "orders", "ord-1",
		map[string]any{"customer": "cust-1", "total": 42.5, "items": 3})
	data, err := env.Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := event.Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkBusPublish measures fan-out to one subscriber.
func BenchmarkBusPublish(b *testing.B) {
	bus := event.NewBus(event.DefaultBusConfig)
	b.Cleanup(func() { bus.Close() })

	var received atomic.Int64
	sub := bus.Subscribe([]string{"bench.event"}, event.HandlerFunc(
		func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			received.Add(1)
			return nil, nil
		}))
	b.Cleanup(sub.Unsubscribe)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, event.New("bench.event", "bench", "key", nil)); err != nil {
			b.Fatal(err)
		}
	}
}
