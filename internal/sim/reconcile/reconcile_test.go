package reconcile

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/history"
)

type recordingApplier struct {
	seen []entity.State
	next Applier
}

func (a *recordingApplier) Apply(st entity.State, in Input) entity.State {
	a.seen = append(a.seen, st)
	return a.next.Apply(st, in)
}

// setup captures ticks 0..20 at 50ms with entity 1 at x=tick.
func setup(t *testing.T) (*entity.Store, *history.History, time.Time) {
	t.Helper()
	store := entity.NewStore()
	h := history.New(500*time.Millisecond, history.CapacityFor(500*time.Millisecond, 50*time.Millisecond))
	if err := store.Insert(1, entity.At(mgl64.Vec3{}), 7); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	base := time.Unix(2000, 0)
	var now time.Time
	for i := 0; i <= 20; i++ {
		if err := store.Set(1, entity.At(mgl64.Vec3{float64(i), 0, 0})); err != nil {
			t.Fatalf("Set: %v", err)
		}
		now = base.Add(time.Duration(i) * 50 * time.Millisecond)
		h.Capture(uint64(i), now, store.DrainDirty(), store.State, store.DrainRemoved())
	}
	return store, h, now
}

func TestReconcile_RewindsToHistoricalSnapshot(t *testing.T) {
	store, h, now := setup(t)
	rec := &recordingApplier{next: MoveApplier{Speed: 2, Step: 50 * time.Millisecond}}
	r := New(h, rec, nil)

	res := r.Reconcile(7, 1, []Input{{Seq: 1, Timestamp: now.Add(-150 * time.Millisecond), Move: mgl64.Vec3{1, 0, 0}}}, store)
	if len(res) != 1 || !res[0].Applied || res[0].Stale {
		t.Fatalf("result=%+v", res)
	}
	if res[0].Tick != 17 {
		t.Fatalf("rewound to tick %d want 17", res[0].Tick)
	}
	if len(rec.seen) != 1 || rec.seen[0].Position[0] != 17 {
		t.Fatalf("input applied against %v, want historical x=17", rec.seen)
	}
	st, _ := store.State(1)
	// Current x=20 plus the 0.1 displacement computed in the past.
	if math.Abs(st.Position[0]-20.1) > 1e-9 {
		t.Fatalf("current x=%f want 20.1", st.Position[0])
	}
	if st.Velocity != (mgl64.Vec3{2, 0, 0}) {
		t.Fatalf("velocity=%v", st.Velocity)
	}
}

func TestReconcile_StaleInputIsCompensatedNotDropped(t *testing.T) {
	store, h, now := setup(t)
	r := New(h, MoveApplier{Speed: 1, Step: 50 * time.Millisecond}, nil)
	res := r.Reconcile(7, 1, []Input{{Timestamp: now.Add(-5 * time.Second), Move: mgl64.Vec3{0, 0, 1}}}, store)
	if len(res) != 1 || !res[0].Applied || !res[0].Stale {
		t.Fatalf("result=%+v want applied+stale", res)
	}
	oldest, _ := h.Oldest()
	if res[0].Tick != oldest.Tick {
		t.Fatalf("tick=%d want oldest %d", res[0].Tick, oldest.Tick)
	}
}

func TestReconcile_MissingEntityIsNoop(t *testing.T) {
	store, h, now := setup(t)
	store.Remove(1)
	r := New(h, MoveApplier{Speed: 1, Step: 50 * time.Millisecond}, nil)
	res := r.Reconcile(7, 1, []Input{{Timestamp: now}}, store)
	if len(res) != 1 || res[0].Applied {
		t.Fatalf("result=%+v want not applied", res)
	}
	if store.Len() != 0 {
		t.Fatalf("store mutated")
	}
}

func TestReconcile_FacingSetsRotation(t *testing.T) {
	store, h, now := setup(t)
	r := New(h, MoveApplier{Speed: 1, Step: 50 * time.Millisecond}, nil)
	r.Reconcile(7, 1, []Input{{Timestamp: now, Facing: math.Pi / 2}}, store)
	st, _ := store.State(1)
	want := mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0})
	if !st.Rotation.ApproxEqual(want) {
		t.Fatalf("rotation=%v want %v", st.Rotation, want)
	}
}

func TestMoveApplier_ClampsDirection(t *testing.T) {
	a := MoveApplier{Speed: 4, Step: time.Second}
	st := a.Apply(entity.At(mgl64.Vec3{}), Input{Move: mgl64.Vec3{3, 9, 4}})
	if math.Abs(st.Velocity.Len()-4) > 1e-9 || st.Velocity[1] != 0 {
		t.Fatalf("velocity=%v want length 4 in XZ", st.Velocity)
	}
	st = a.Apply(entity.At(mgl64.Vec3{}), Input{Move: mgl64.Vec3{math.NaN(), 0, 0}})
	if !st.Finite() {
		t.Fatalf("NaN move leaked into state: %+v", st)
	}
}

func TestQueue_DrainOrdersByTimestamp(t *testing.T) {
	q := NewQueue(4)
	base := time.Unix(0, 0)
	q.Push(Input{Seq: 1, Timestamp: base.Add(30 * time.Millisecond)})
	q.Push(Input{Seq: 2, Timestamp: base.Add(10 * time.Millisecond)})
	q.Push(Input{Seq: 3, Timestamp: base.Add(20 * time.Millisecond)})
	q.Push(Input{Seq: 4, Timestamp: base.Add(10 * time.Millisecond)})
	if q.Push(Input{Seq: 5}) {
		t.Fatalf("push beyond capacity should fail")
	}
	got := q.Drain()
	want := []uint32{2, 4, 3, 1}
	for i, in := range got {
		if in.Seq != want[i] {
			t.Fatalf("order=%v want %v", seqs(got), want)
		}
	}
	if q.Len() != 0 || q.Dropped() != 1 {
		t.Fatalf("len=%d dropped=%d", q.Len(), q.Dropped())
	}
}

func seqs(in []Input) []uint32 {
	out := make([]uint32, len(in))
	for i := range in {
		out[i] = in[i].Seq
	}
	return out
}
