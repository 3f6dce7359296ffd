package interest

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/zone"
)

// Lookup resolves an entity's current state.
type Lookup interface {
	State(id uint64) (entity.State, bool)
}

// View is the per-client interest state kept between ticks.
type View struct {
	ClientID uint64
	Position mgl64.Vec3
	Zone     zone.ID
	Visible  map[uint64]struct{}

	placed bool
}

func NewView(clientID uint64, pos mgl64.Vec3) *View {
	return &View{ClientID: clientID, Position: pos, Visible: map[uint64]struct{}{}}
}

// VisibleIDs returns the visible set in ascending order.
func (v *View) VisibleIDs() []uint64 {
	out := make([]uint64, 0, len(v.Visible))
	for id := range v.Visible {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluator computes visible-entity sets from the zone index. Zone membership
// is only a coarse filter; every candidate gets an exact distance check.
type Evaluator struct {
	zones  *zone.Index
	radius float64
	ring   int
}

func NewEvaluator(zones *zone.Index, radius float64) *Evaluator {
	return &Evaluator{
		zones:  zones,
		radius: radius,
		ring:   zone.RingFor(radius, zones.CellSize()),
	}
}

func (e *Evaluator) Radius() float64 { return e.radius }
func (e *Evaluator) Ring() int       { return e.ring }

// Update moves the client to its current zone if needed and replaces its
// visible set. It returns the ids that newly entered and those that left;
// callers owe the client a tombstone for every id in left.
func (e *Evaluator) Update(v *View, lookup Lookup) (entered, left []uint64) {
	e.Locate(v)

	next := make(map[uint64]struct{}, len(v.Visible))
	e.collect(v.Position, lookup, func(id uint64) {
		next[id] = struct{}{}
		if _, ok := v.Visible[id]; !ok {
			entered = append(entered, id)
		}
	})
	for id := range v.Visible {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	v.Visible = next
	sort.Slice(entered, func(i, j int) bool { return entered[i] < entered[j] })
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return entered, left
}

// Locate moves the client's zone membership to match v.Position.
func (e *Evaluator) Locate(v *View) {
	z := e.zones.ZoneFor(v.Position)
	if !v.placed {
		e.zones.Place(zone.KindClient, v.ClientID, v.Position)
		v.placed = true
	} else if z != v.Zone {
		e.zones.OnMove(zone.KindClient, v.ClientID, v.Zone, z)
	}
	v.Zone = z
}

func (e *Evaluator) collect(pos mgl64.Vec3, lookup Lookup, fn func(id uint64)) {
	r2 := e.radius * e.radius
	e.zones.EachEntityNear(e.zones.ZoneFor(pos), e.ring, func(id uint64) bool {
		st, ok := lookup.State(id)
		if !ok {
			return true
		}
		d := st.Position.Sub(pos)
		if d.Dot(d) <= r2 {
			fn(id)
		}
		return true
	})
}

// Release takes the client out of the zone index and clears its view.
func (e *Evaluator) Release(v *View) {
	e.zones.Remove(zone.KindClient, v.ClientID)
	v.placed = false
	clear(v.Visible)
}

// Evict drops a destroyed entity from v. It reports whether the client
// could see it, in which case a tombstone is owed.
func Evict(v *View, id uint64) bool {
	if _, ok := v.Visible[id]; !ok {
		return false
	}
	delete(v.Visible, id)
	return true
}
