package history

import (
	"sort"
	"time"

	"worldsync.io/internal/sim/entity"
)

// Frame tags one capture with its tick and wall-clock time.
type Frame struct {
	Tick uint64
	At   time.Time
}

type version struct {
	tick    uint64
	state   entity.State
	removed bool
}

// History is a bounded, time-ordered ring of frames. Entity states are
// stored copy-on-write: a capture appends a version only for entities that
// changed since the previous capture, so per-tick cost tracks churn rather
// than world size. A frame's full-world view is reconstructed on demand.
//
// Owned by the tick goroutine; not safe for concurrent use.
type History struct {
	retention time.Duration

	frames []Frame
	head   int
	n      int

	versions map[uint64][]version

	sinceSweep int
}

// New returns a history that keeps frames younger than retention, holding at
// most capacity frames.
func New(retention time.Duration, capacity int) *History {
	if capacity < 2 {
		capacity = 2
	}
	return &History{
		retention: retention,
		frames:    make([]Frame, capacity),
		versions:  map[uint64][]version{},
	}
}

// CapacityFor sizes the ring so retention is covered at the given tick period.
func CapacityFor(retention, tickPeriod time.Duration) int {
	if tickPeriod <= 0 {
		return 2
	}
	n := int(retention / tickPeriod)
	if retention%tickPeriod != 0 {
		n++
	}
	return n + 2
}

func (h *History) Len() int                 { return h.n }
func (h *History) Retention() time.Duration { return h.retention }

func (h *History) frame(i int) Frame { return h.frames[(h.head+i)%len(h.frames)] }

// Oldest and Newest return the retained frame bounds.
func (h *History) Oldest() (Frame, bool) {
	if h.n == 0 {
		return Frame{}, false
	}
	return h.frame(0), true
}

func (h *History) Newest() (Frame, bool) {
	if h.n == 0 {
		return Frame{}, false
	}
	return h.frame(h.n - 1), true
}

// Frames returns the retained frames, oldest first.
func (h *History) Frames() []Frame {
	out := make([]Frame, h.n)
	for i := range out {
		out[i] = h.frame(i)
	}
	return out
}

// Capture appends a frame. changed lists entities whose state differs from
// their last captured version; removed lists entities destroyed since the
// previous capture. Frames older than the retention window are evicted.
func (h *History) Capture(tick uint64, at time.Time, changed []uint64, lookup func(uint64) (entity.State, bool), removed []uint64) Frame {
	f := Frame{Tick: tick, At: at}
	if last, ok := h.Newest(); ok && tick <= last.Tick {
		// Same tick captured twice: fold into the existing frame.
		f = last
	} else {
		if h.n == len(h.frames) {
			h.head = (h.head + 1) % len(h.frames)
			h.n--
		}
		h.frames[(h.head+h.n)%len(h.frames)] = f
		h.n++
	}

	for _, id := range changed {
		st, ok := lookup(id)
		if !ok {
			continue
		}
		h.appendVersion(id, version{tick: f.Tick, state: st})
	}
	for _, id := range removed {
		if _, ok := h.versions[id]; !ok {
			continue
		}
		h.appendVersion(id, version{tick: f.Tick, removed: true})
	}

	h.evict(at)
	h.sinceSweep++
	if h.sinceSweep >= len(h.frames) {
		h.sweep()
		h.sinceSweep = 0
	}
	return f
}

func (h *History) appendVersion(id uint64, v version) {
	vs := h.versions[id]
	if n := len(vs); n > 0 && vs[n-1].tick == v.tick {
		vs[n-1] = v
	} else {
		vs = append(vs, v)
	}
	h.versions[id] = h.prune(vs)
}

func (h *History) evict(now time.Time) {
	if h.retention <= 0 {
		return
	}
	cutoff := now.Add(-h.retention)
	for h.n > 1 && h.frame(0).At.Before(cutoff) {
		h.head = (h.head + 1) % len(h.frames)
		h.n--
	}
}

// prune drops versions no retained frame can observe: everything older than
// the last version at or before the oldest frame.
func (h *History) prune(vs []version) []version {
	oldest, ok := h.Oldest()
	if !ok || len(vs) < 2 {
		return vs
	}
	keep := 0
	for i := range vs {
		if vs[i].tick <= oldest.Tick {
			keep = i
		}
	}
	if keep == 0 {
		return vs
	}
	return append(vs[:0], vs[keep:]...)
}

func (h *History) sweep() {
	oldest, ok := h.Oldest()
	if !ok {
		return
	}
	for id, vs := range h.versions {
		vs = h.prune(vs)
		if len(vs) == 1 && vs[0].removed && vs[0].tick <= oldest.Tick {
			delete(h.versions, id)
			continue
		}
		h.versions[id] = vs
	}
}

// Resolve returns the snapshot whose timestamp is the latest one not after
// ts. When ts predates every retained frame the oldest snapshot is returned
// with stale set. ok is false only when the history is empty.
func (h *History) Resolve(ts time.Time) (snap Snapshot, stale bool, ok bool) {
	if h.n == 0 {
		return Snapshot{}, false, false
	}
	// First frame strictly after ts.
	i := sort.Search(h.n, func(i int) bool { return h.frame(i).At.After(ts) })
	if i == 0 {
		return Snapshot{Frame: h.frame(0), h: h}, true, true
	}
	return Snapshot{Frame: h.frame(i - 1), h: h}, false, true
}

// AtTick returns the snapshot captured at tick, if it is still retained.
func (h *History) AtTick(tick uint64) (Snapshot, bool) {
	i := sort.Search(h.n, func(i int) bool { return h.frame(i).Tick >= tick })
	if i == h.n || h.frame(i).Tick != tick {
		return Snapshot{}, false
	}
	return Snapshot{Frame: h.frame(i), h: h}, true
}

// Snapshot is a read-only full-world view as of one frame. It is valid until
// its frame is evicted.
type Snapshot struct {
	Frame
	h *History
}

func (s Snapshot) Valid() bool { return s.h != nil }

// Get returns the state id had when the frame was captured.
func (s Snapshot) Get(id uint64) (entity.State, bool) {
	if s.h == nil {
		return entity.State{}, false
	}
	return lookupAt(s.h.versions[id], s.Tick)
}

func lookupAt(vs []version, tick uint64) (entity.State, bool) {
	i := sort.Search(len(vs), func(i int) bool { return vs[i].tick > tick })
	if i == 0 {
		return entity.State{}, false
	}
	v := vs[i-1]
	if v.removed {
		return entity.State{}, false
	}
	return v.state, true
}

// Each calls fn for every entity alive in the frame, in ascending id order.
func (s Snapshot) Each(fn func(id uint64, st entity.State) bool) {
	if s.h == nil {
		return
	}
	ids := make([]uint64, 0, len(s.h.versions))
	for id := range s.h.versions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st, ok := lookupAt(s.h.versions[id], s.Tick)
		if !ok {
			continue
		}
		if !fn(id, st) {
			return
		}
	}
}

// Materialize copies the frame into a plain map.
func (s Snapshot) Materialize() map[uint64]entity.State {
	out := map[uint64]entity.State{}
	s.Each(func(id uint64, st entity.State) bool {
		out[id] = st
		return true
	})
	return out
}
