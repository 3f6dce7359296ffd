package delta

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"worldsync.io/internal/sim/entity"
)

// Field is a bitmask over the tracked components of an entity.
type Field uint8

const (
	FieldPosition Field = 1 << iota
	FieldRotation
	FieldVelocity

	FieldsAll = FieldPosition | FieldRotation | FieldVelocity
)

// Epsilon holds per-field change tolerances. Position and velocity are
// euclidean distances in world units; rotation is an angle in radians.
type Epsilon struct {
	Position float64
	Rotation float64
	Velocity float64
}

// EntityDelta describes what a client must learn about one entity. Only
// fields named in Fields carry meaningful values in State. A removed delta
// carries no fields.
type EntityDelta struct {
	EntityID uint64
	Fields   Field
	Removed  bool
	State    entity.State
}

// Empty reports a delta that must never be transmitted.
func (d EntityDelta) Empty() bool { return !d.Removed && d.Fields == 0 }

func Tombstone(id uint64) EntityDelta { return EntityDelta{EntityID: id, Removed: true} }

// Diff returns the fields of cur that differ from prev beyond eps. A nil
// prev means the client has never seen the entity, so every field changed.
func Diff(prev *entity.State, cur entity.State, eps Epsilon) Field {
	if prev == nil {
		return FieldsAll
	}
	var f Field
	if prev.Position.Sub(cur.Position).Len() > eps.Position {
		f |= FieldPosition
	}
	if RotationAngle(prev.Rotation, cur.Rotation) > eps.Rotation {
		f |= FieldRotation
	}
	if prev.Velocity.Sub(cur.Velocity).Len() > eps.Velocity {
		f |= FieldVelocity
	}
	return f
}

// RotationAngle returns the angle in radians of the shortest rotation
// taking a to b. Both quaternions are normalized first.
func RotationAngle(a, b mgl64.Quat) float64 {
	la, lb := a.Len(), b.Len()
	if la == 0 || lb == 0 {
		if la == lb {
			return 0
		}
		return math.Pi
	}
	d := math.Abs(a.Dot(b) / (la * lb))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Build produces the delta for one entity given what the client last knew.
func Build(id uint64, known *entity.State, cur entity.State, eps Epsilon) EntityDelta {
	return EntityDelta{EntityID: id, Fields: Diff(known, cur, eps), State: cur}
}

// Plan collects the outbound deltas for one client: tombstones first (so a
// bandwidth budget never starves removals), then changed visible entities in
// ascending id order. Entities with no changed fields are omitted.
func Plan(visible []uint64, tombstones []uint64, lookup func(uint64) (entity.State, bool), cache *Cache, eps Epsilon) []EntityDelta {
	out := make([]EntityDelta, 0, len(tombstones)+len(visible))
	ts := append([]uint64(nil), tombstones...)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	for _, id := range ts {
		out = append(out, Tombstone(id))
	}
	ids := append([]uint64(nil), visible...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cur, ok := lookup(id)
		if !ok {
			continue
		}
		var known *entity.State
		if st, ok := cache.Get(id); ok {
			known = &st
		}
		d := Build(id, known, cur, eps)
		if d.Empty() {
			continue
		}
		out = append(out, d)
	}
	return out
}
