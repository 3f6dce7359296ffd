package stats

import (
	"sync/atomic"
	"time"
)

// Bucket holds per-interval traffic tallies.
type Bucket struct {
	BytesSent     uint64
	BytesReceived uint64
	Packets       uint64
	Inputs        uint64
	StaleInputs   uint64
	Dropped       uint64 // packets dropped on full outbound queues
	Skipped       uint64 // records skipped for exceeding the packet budget
	Ticks         uint64
}

func (b *Bucket) add(o Bucket) {
	b.BytesSent += o.BytesSent
	b.BytesReceived += o.BytesReceived
	b.Packets += o.Packets
	b.Inputs += o.Inputs
	b.StaleInputs += o.StaleInputs
	b.Dropped += o.Dropped
	b.Skipped += o.Skipped
	b.Ticks += o.Ticks
}

// Window is a rolling sum over the most recent ticks, kept as a ring of
// fixed-width buckets. Owned by the tick goroutine.
type Window struct {
	bucketTicks uint64
	windowTicks uint64

	buckets []Bucket
	curIdx  int
	curBase uint64 // start tick (inclusive) of current bucket
}

func NewWindow(bucketTicks, windowTicks uint64) *Window {
	if bucketTicks == 0 {
		bucketTicks = 20
	}
	if windowTicks < bucketTicks {
		windowTicks = bucketTicks
	}
	n := int(windowTicks / bucketTicks)
	return &Window{
		bucketTicks: bucketTicks,
		windowTicks: uint64(n) * bucketTicks,
		buckets:     make([]Bucket, n),
	}
}

func (w *Window) rotate(nowTick uint64) {
	// Skip whole laps at once after a long pause.
	if nowTick >= w.curBase+w.windowTicks+w.bucketTicks {
		for i := range w.buckets {
			w.buckets[i] = Bucket{}
		}
		w.curBase = nowTick - nowTick%w.bucketTicks
		return
	}
	for nowTick >= w.curBase+w.bucketTicks {
		w.curIdx = (w.curIdx + 1) % len(w.buckets)
		w.buckets[w.curIdx] = Bucket{}
		w.curBase += w.bucketTicks
	}
}

// Record adds b to the bucket containing nowTick.
func (w *Window) Record(nowTick uint64, b Bucket) {
	if w == nil {
		return
	}
	w.rotate(nowTick)
	w.buckets[w.curIdx].add(b)
}

func (w *Window) WindowTicks() uint64 {
	if w == nil {
		return 0
	}
	return w.windowTicks
}

// Summarize returns the sum over the window ending at nowTick.
func (w *Window) Summarize(nowTick uint64) Bucket {
	if w == nil {
		return Bucket{}
	}
	w.rotate(nowTick)
	var out Bucket
	for _, b := range w.buckets {
		out.add(b)
	}
	return out
}

// Rate converts a window sum into a per-second rate.
func Rate(total, ticks uint64, tickPeriod time.Duration) float64 {
	if ticks == 0 || tickPeriod <= 0 {
		return 0
	}
	return float64(total) / (float64(ticks) * tickPeriod.Seconds())
}

// Counters are cumulative totals readable from any goroutine.
type Counters struct {
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	Packets       atomic.Uint64
	Dropped       atomic.Uint64
}

// RTT tracks a smoothed round-trip estimate, safe for concurrent use.
type RTT struct {
	nanos atomic.Int64
}

// Observe folds a new sample in with 1/8 weight, as TCP does.
func (r *RTT) Observe(sample time.Duration) {
	if sample < 0 {
		return
	}
	for {
		old := r.nanos.Load()
		next := int64(sample)
		if old != 0 {
			next = old + (int64(sample)-old)/8
		}
		if r.nanos.CompareAndSwap(old, next) {
			return
		}
	}
}

func (r *RTT) Get() time.Duration { return time.Duration(r.nanos.Load()) }
