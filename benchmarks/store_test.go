package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

func benchEnvelope(i int) *event.Envelope {
	return event.New("bench.event", "bench", fmt.Sprintf("key-%d", i%100),
		map[string]any{"n": i})
}

// BenchmarkAppend_Memory measures raw log appends.
func BenchmarkAppend_Memory(b *testing.B) {
	set := store.NewMemorySet()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seqKey := store.SequenceKey{Sequence: int64(i), Key: fmt.Sprintf("key-%d", i%100)}
		if err := set.Events.Append(ctx, seqKey, benchEnvelope(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAppend_SQLite measures durable log appends.
func BenchmarkAppend_SQLite(b *testing.B) {
	set, err := store.NewSQLiteSet(filepath.Join(b.TempDir(), "bench.db"), "bench")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { set.Close() })
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seqKey := store.SequenceKey{Sequence: int64(i), Key: fmt.Sprintf("key-%d", i%100)}
		if err := set.Events.Append(ctx, seqKey, benchEnvelope(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExecuteOnKey_Sequential folds onto one key.
func BenchmarkExecuteOnKey_Sequential(b *testing.B) {
	set := store.NewMemorySet()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := set.Views.ExecuteOnKey(ctx, "key", func(current store.State) (store.State, error) {
			next := current.Clone()
			if next == nil {
				next = store.State{"n": 0.0}
			}
			next["n"] = next["n"].(float64) + 1
			return next, nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExecuteOnKey_Parallel contends across 100 keys.
func BenchmarkExecuteOnKey_Parallel(b *testing.B) {
	set := store.NewMemorySet()
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%100)
			i++
			_, err := set.Views.ExecuteOnKey(ctx, key, func(current store.State) (store.State, error) {
				next := current.Clone()
				if next == nil {
					next = store.State{"n": 0.0}
				}
				next["n"] = next["n"].(float64) + 1
				return next, nil
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkOutboxCycle measures add, poll, claim, delete as one unit.
func BenchmarkOutboxCycle(b *testing.B) {
	set := store.NewMemorySet()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		entryID := fmt.Sprintf("out-%d", i)
		err := set.Outbox.Add(ctx, &store.OutboxEntry{
			EntryID:   entryID,
			Envelope:  benchEnvelope(i),
			Status:    store.OutboxNew,
			CreatedAt: time.Now(),
		})
		if err != nil {
			b.Fatal(err)
		}
		claimed, err := set.Outbox.Claim(ctx, entryID, "bench-replica")
		if err != nil || !claimed {
			b.Fatal("claim failed", err)
		}
		if err := set.Outbox.DeleteBatch(ctx, []string{entryID}); err != nil {
			b.Fatal(err)
		}
	}
}
