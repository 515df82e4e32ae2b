package sequence_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrail/pkg/eventrail/sequence"
)

// TestStrictlyIncreasing verifies the core ordering contract: one
// generator never hands out a value <= its previous one.
func TestStrictlyIncreasing(t *testing.T) {
	gen, err := sequence.NewGenerator(1)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 10000; i++ {
		seq, err := gen.Next()
		require.NoError(t, err)
		require.Greater(t, seq, prev, "iteration %d", i)
		prev = seq
	}
}

// TestReplicaUniqueness verifies two replicas generating at the same
// instant never collide.
func TestReplicaUniqueness(t *testing.T) {
	genA, err := sequence.NewGenerator(1)
	require.NoError(t, err)
	genB, err := sequence.NewGenerator(2)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 5000; i++ {
		a := genA.MustNext()
		b := genB.MustNext()
		require.False(t, seen[a], "replica A reissued %d", a)
		require.False(t, seen[b], "replica B reissued %d", b)
		seen[a] = true
		seen[b] = true
	}
}

// TestConcurrentGeneration hammers one generator from many goroutines
// and checks global uniqueness and per-goroutine monotonicity.
func TestConcurrentGeneration(t *testing.T) {
	gen, err := sequence.NewGenerator(7)
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 2000

	var wg sync.WaitGroup
	results := make([][]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				out = append(out, gen.MustNext())
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	all := make([]int64, 0, goroutines*perGoroutine)
	for _, out := range results {
		require.True(t, sort.SliceIsSorted(out, func(a, b int) bool {
			return out[a] < out[b]
		}), "per-goroutine values must be increasing")
		all = append(all, out...)
	}

	unique := make(map[int64]bool, len(all))
	for _, seq := range all {
		require.False(t, unique[seq], "duplicate sequence %d", seq)
		unique[seq] = true
	}
}

// TestReplicaIDRange rejects IDs the 10-bit layout cannot encode.
func TestReplicaIDRange(t *testing.T) {
	_, err := sequence.NewGenerator(-1)
	assert.Error(t, err)

	_, err = sequence.NewGenerator(sequence.MaxReplicaID + 1)
	assert.Error(t, err)

	_, err = sequence.NewGenerator(sequence.MaxReplicaID)
	assert.NoError(t, err)
}

// TestReplicaIDFromName is stable and in range.
func TestReplicaIDFromName(t *testing.T) {
	id := sequence.ReplicaIDFromName("orders-pod-3")
	assert.Equal(t, id, sequence.ReplicaIDFromName("orders-pod-3"))
	assert.GreaterOrEqual(t, id, 0)
	assert.LessOrEqual(t, id, sequence.MaxReplicaID)
}

// TestDecompose round-trips the encoded parts.
func TestDecompose(t *testing.T) {
	gen, err := sequence.NewGenerator(42)
	require.NoError(t, err)

	before := time.Now()
	seq := gen.MustNext()
	after := time.Now()

	ts, counter, replicaID := sequence.Decompose(seq)
	assert.Equal(t, 42, replicaID)
	assert.Equal(t, 0, counter)
	assert.WithinRange(t, ts, before.Add(-2*time.Millisecond), after.Add(2*time.Millisecond))
}
