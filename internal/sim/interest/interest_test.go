package interest

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/zone"
)

type world struct {
	store *entity.Store
	zones *zone.Index
}

func newWorld(cell float64) *world {
	return &world{store: entity.NewStore(), zones: zone.NewIndex(cell)}
}

func (w *world) put(t *testing.T, id uint64, pos mgl64.Vec3) {
	t.Helper()
	if _, ok := w.store.Get(id); ok {
		if err := w.store.Set(id, entity.At(pos)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	} else if err := w.store.Insert(id, entity.At(pos), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	w.zones.Place(zone.KindEntity, id, pos)
}

func TestUpdate_EnterAndLeave(t *testing.T) {
	w := newWorld(10)
	ev := NewEvaluator(w.zones, 10)
	w.put(t, 1, mgl64.Vec3{5, 0, 0})

	v := NewView(100, mgl64.Vec3{0, 0, 0})
	entered, left := ev.Update(v, w.store)
	if len(entered) != 1 || entered[0] != 1 || len(left) != 0 {
		t.Fatalf("entered=%v left=%v", entered, left)
	}

	w.put(t, 1, mgl64.Vec3{5, 0, 6})
	entered, left = ev.Update(v, w.store)
	if len(entered) != 0 {
		t.Fatalf("unexpected entered=%v", entered)
	}
	if len(left) != 0 {
		t.Fatalf("distance sqrt(61) < 10 should stay visible, left=%v", left)
	}

	w.put(t, 1, mgl64.Vec3{8, 0, 7})
	_, left = ev.Update(v, w.store)
	if len(left) != 1 || left[0] != 1 {
		t.Fatalf("left=%v want [1]", left)
	}
	if len(v.Visible) != 0 {
		t.Fatalf("visible=%v want empty", v.VisibleIDs())
	}
}

func TestUpdate_AcrossCellEdge(t *testing.T) {
	w := newWorld(10)
	ev := NewEvaluator(w.zones, 3)
	// Client just left of the x=10 edge, entity just right of it.
	w.put(t, 1, mgl64.Vec3{10.5, 0, 0.5})
	v := NewView(1, mgl64.Vec3{9.5, 0, 0.5})
	entered, _ := ev.Update(v, w.store)
	if len(entered) != 1 {
		t.Fatalf("entity across the cell edge within radius must be visible")
	}
}

func TestUpdate_RadiusWiderThanCell(t *testing.T) {
	w := newWorld(4)
	ev := NewEvaluator(w.zones, 10)
	if ev.Ring() != 3 {
		t.Fatalf("ring=%d want 3", ev.Ring())
	}
	w.put(t, 1, mgl64.Vec3{9.5, 0, 0})
	v := NewView(1, mgl64.Vec3{0, 0, 0})
	entered, _ := ev.Update(v, w.store)
	if len(entered) != 1 {
		t.Fatalf("entity 9.5 away with radius 10 must be visible even when several cells away")
	}
}

func TestUpdate_MatchesBruteForce(t *testing.T) {
	w := newWorld(8)
	ev := NewEvaluator(w.zones, 12)
	r := rand.New(rand.NewSource(7))
	for id := uint64(1); id <= 300; id++ {
		w.put(t, id, mgl64.Vec3{r.Float64()*120 - 60, r.Float64()*4 - 2, r.Float64()*120 - 60})
	}
	views := []*View{
		NewView(1, mgl64.Vec3{0, 0, 0}),
		NewView(2, mgl64.Vec3{-31.9, 1, 17.2}),
		NewView(3, mgl64.Vec3{55, 0, -55}),
	}
	for _, v := range views {
		ev.Update(v, w.store)
		for _, id := range w.store.IDs() {
			st, _ := w.store.State(id)
			_, visible := v.Visible[id]
			within := st.Position.Sub(v.Position).Len() <= 12
			if visible != within {
				t.Fatalf("client %d entity %d visible=%v within=%v dist=%f", v.ClientID, id, visible, within, st.Position.Sub(v.Position).Len())
			}
		}
	}
}

func TestUpdate_TracksClientZone(t *testing.T) {
	w := newWorld(10)
	ev := NewEvaluator(w.zones, 5)
	v := NewView(42, mgl64.Vec3{1, 0, 1})
	ev.Update(v, w.store)
	v.Position = mgl64.Vec3{-15, 0, 31}
	ev.Update(v, w.store)
	z, ok := w.zones.ZoneOf(zone.KindClient, 42)
	if !ok || z != (zone.ID{X: -2, Z: 3}) || v.Zone != z {
		t.Fatalf("zone=%v ok=%v view=%v", z, ok, v.Zone)
	}
	ev.Release(v)
	if _, ok := w.zones.ZoneOf(zone.KindClient, 42); ok {
		t.Fatalf("client still indexed after release")
	}
}

func TestEvict(t *testing.T) {
	v := NewView(1, mgl64.Vec3{})
	v.Visible[5] = struct{}{}
	if !Evict(v, 5) || Evict(v, 5) {
		t.Fatalf("Evict should report visibility exactly once")
	}
}
