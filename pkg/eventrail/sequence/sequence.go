// Package sequence generates the 64-bit ordering keys a domain engine
// stamps on every accepted command.
//
// The layout is snowflake-style: 41 bits of milliseconds since a custom
// epoch, 12 bits of per-millisecond counter, 10 bits of replica ID, truncated
// to a positive int64. Within one replica values are strictly increasing;
// across replicas of the same engine the replica bits keep values unique.
// No coordination is needed and no clock-regression tolerance is promised
// beyond uniqueness: a rewound clock waits until it catches up with the
// last issued millisecond.
package sequence

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	timestampBits = 41
	counterBits   = 12
	replicaBits   = 10

	// MaxReplicaID is the largest replica ID the layout can encode.
	MaxReplicaID = (1 << replicaBits) - 1

	maxCounter   = (1 << counterBits) - 1
	maxTimestamp = (1 << timestampBits) - 1
)

// Epoch anchors the timestamp bits. 2024-01-01T00:00:00Z gives the
// 41-bit millisecond budget roughly 69 years of headroom.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrExhausted indicates the timestamp bits overflowed. There is no
// recovery; the hosting process must treat this as fatal.
var ErrExhausted = errors.New("sequence: timestamp bits exhausted")

// Generator produces ordered, replica-unique sequence numbers.
// Safe for concurrent use.
type Generator struct {
	replicaID int64
	epochMS   int64

	mu      sync.Mutex
	lastMS  int64
	counter int64

	now func() time.Time // swappable for tests
}

// NewGenerator creates a generator for one replica.
// replicaID must be in [0, MaxReplicaID].
func NewGenerator(replicaID int) (*Generator, error) {
	if replicaID < 0 || replicaID > MaxReplicaID {
		return nil, fmt.Errorf("replica ID %d out of range [0, %d]", replicaID, MaxReplicaID)
	}
	return &Generator{
		replicaID: int64(replicaID),
		epochMS:   Epoch.UnixMilli(),
		now:       time.Now,
	}, nil
}

// ReplicaIDFromName derives a stable replica ID from an arbitrary name
// (hostname, pod name, UUID). Distinct names may collide in 10 bits;
// deployments needing hard uniqueness should assign IDs explicitly.
func ReplicaIDFromName(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() & MaxReplicaID)
}

// Next returns the next sequence number. Successive calls on one
// generator return strictly increasing values.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.nowMS()

	// A rewound clock must not reissue an earlier millisecond.
	if ms < g.lastMS {
		ms = g.lastMS
	}

	if ms == g.lastMS {
		g.counter++
		if g.counter > maxCounter {
			// Counter exhausted within this millisecond; move to the next.
			ms = g.waitNextMS(ms)
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMS = ms

	elapsed := ms - g.epochMS
	if elapsed > maxTimestamp {
		return 0, ErrExhausted
	}

	seq := elapsed<<(counterBits+replicaBits) | g.counter<<replicaBits | g.replicaID
	return seq, nil
}

// MustNext returns the next sequence number, panicking on exhaustion.
// Exhaustion means the epoch budget ran out decades from now; callers
// that cannot surface the error treat it as fatal.
func (g *Generator) MustNext() int64 {
	seq, err := g.Next()
	if err != nil {
		panic(err)
	}
	return seq
}

// ReplicaID returns the replica bits this generator stamps.
func (g *Generator) ReplicaID() int {
	return int(g.replicaID)
}

func (g *Generator) nowMS() int64 {
	return g.now().UnixMilli()
}

// waitNextMS spins until the wall clock passes the given millisecond.
// Entered only after 4096 IDs were issued inside one millisecond.
func (g *Generator) waitNextMS(ms int64) int64 {
	next := g.nowMS()
	for next <= ms {
		time.Sleep(100 * time.Microsecond)
		next = g.nowMS()
	}
	return next
}

// Decompose splits a sequence number into its parts, for diagnostics.
func Decompose(seq int64) (timestamp time.Time, counter, replicaID int) {
	replicaID = int(seq & MaxReplicaID)
	counter = int((seq >> replicaBits) & maxCounter)
	elapsed := seq >> (counterBits + replicaBits)
	timestamp = Epoch.Add(time.Duration(elapsed) * time.Millisecond)
	return timestamp, counter, replicaID
}
