package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Input is one timestamped client command. Timestamp is already corrected
// for clock skew by the transport.
type Input struct {
	Seq       uint32
	Timestamp time.Time
	Move      mgl64.Vec3
	Facing    float64 // radians around +Y
	Buttons   uint32
}

// Queue is the per-client pending-input FIFO shared between the connection
// reader and the tick goroutine.
type Queue struct {
	mu      sync.Mutex
	items   []Input
	max     int
	dropped uint64
	last    time.Time
}

// NewQueue returns a queue holding at most max inputs (0 means 256).
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 256
	}
	return &Queue{max: max}
}

// Push appends in. It returns false when the queue is full and the input was
// dropped.
func (q *Queue) Push(in Input) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		q.dropped++
		return false
	}
	q.items = append(q.items, in)
	q.last = time.Now()
	return true
}

// Drain removes every pending input and returns them in timestamp order.
// Inputs with equal timestamps keep their arrival order.
func (q *Queue) Drain() []Input {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many inputs were rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// LastPush returns the wall-clock time of the most recent accepted input.
func (q *Queue) LastPush() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}
