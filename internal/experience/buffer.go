// Package experience holds dispatch outcomes in a bounded, priority-ordered
// buffer and feeds sampled batches to a trainer.
package experience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/google/uuid"
)

// ErrInvalidExperience is returned when an experience lacks an agent id.
var ErrInvalidExperience = errors.New("experience requires an agent id")

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 10000

// entryKey orders the tree by priority, then by insertion sequence.
type entryKey struct {
	priority int
	seq      uint64
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(entryKey), b.(entryKey)
	switch {
	case ka.priority < kb.priority:
		return -1
	case ka.priority > kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Stats is a point-in-time summary of the buffer.
type Stats struct {
	Len      int `json:"len"`
	Capacity int `json:"capacity"`
	Recorded int `json:"recorded"`
	Evicted  int `json:"evicted"`
	Drained  int `json:"drained"`
}

// Buffer is a bounded experience store. When full, the entry with the lowest
// priority (oldest first among equals) is evicted to make room.
type Buffer struct {
	mu       sync.Mutex
	tree     *redblacktree.Tree
	capacity int
	seq      uint64
	rng      *rand.Rand
	now      func() time.Time

	recorded int
	evicted  int
	drained  int
}

var (
	_ schemas.ExperienceRecorder = (*Buffer)(nil)
	_ schemas.ExperienceSampler  = (*Buffer)(nil)
)

// Option configures a Buffer.
type Option func(*Buffer)

// WithRand sets the random source used by Sample.
func WithRand(r *rand.Rand) Option {
	return func(b *Buffer) { b.rng = r }
}

// WithClock overrides the clock used to stamp RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer creates a buffer holding at most capacity experiences.
func NewBuffer(capacity int, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		tree:     redblacktree.NewWith(compareKeys),
		capacity: capacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record stores exp with the given priority and returns its id.
func (b *Buffer) Record(ctx context.Context, exp schemas.Experience, priority int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if exp.AgentID == "" {
		return "", ErrInvalidExperience
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	exp.Priority = priority

	b.mu.Lock()
	defer b.mu.Unlock()

	if exp.RecordedAt.IsZero() {
		exp.RecordedAt = b.now()
	}
	b.seq++
	b.tree.Put(entryKey{priority: priority, seq: b.seq}, exp)
	b.recorded++

	for b.tree.Size() > b.capacity {
		lowest := b.tree.Left()
		b.tree.Remove(lowest.Key)
		b.evicted++
	}
	return exp.ID, nil
}

// Len returns the number of buffered experiences.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Size()
}

// Sample returns up to n experiences chosen without replacement, with
// probability proportional to priority. The buffer is left unchanged.
func (b *Buffer) Sample(n int) []schemas.Experience {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	type candidate struct {
		exp schemas.Experience
		key float64
	}
	candidates := make([]candidate, 0, b.tree.Size())
	it := b.tree.Iterator()
	for it.Next() {
		weight := float64(it.Key().(entryKey).priority)
		if weight < 1 {
			weight = 1
		}
		// Exponential keys: the n smallest -ln(u)/w form a weighted sample.
		u := b.rng.Float64()
		for u == 0 {
			u = b.rng.Float64()
		}
		candidates = append(candidates, candidate{
			exp: it.Value().(schemas.Experience),
			key: -math.Log(u) / weight,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].key < candidates[j].key })

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]schemas.Experience, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].exp
	}
	return out
}

// Drain removes and returns up to n experiences, highest priority first and
// newest first among equals.
func (b *Buffer) Drain(n int) []schemas.Experience {
	if n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []schemas.Experience
	for len(out) < n && !b.tree.Empty() {
		top := b.tree.Right()
		out = append(out, top.Value.(schemas.Experience))
		b.tree.Remove(top.Key)
	}
	b.drained += len(out)
	return out
}

// Stats returns buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Len:      b.tree.Size(),
		Capacity: b.capacity,
		Recorded: b.recorded,
		Evicted:  b.evicted,
		Drained:  b.drained,
	}
}
