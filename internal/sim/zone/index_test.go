package zone

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestFor_FloorsNegativeCoordinates(t *testing.T) {
	cases := []struct {
		pos  mgl64.Vec3
		want ID
	}{
		{mgl64.Vec3{0, 0, 0}, ID{0, 0}},
		{mgl64.Vec3{9.99, 100, 9.99}, ID{0, 0}},
		{mgl64.Vec3{10, 0, -0.01}, ID{1, -1}},
		{mgl64.Vec3{-10, 0, -10.5}, ID{-1, -2}},
	}
	for _, c := range cases {
		if got := For(c.pos, 10); got != c.want {
			t.Fatalf("For(%v)=%v want %v", c.pos, got, c.want)
		}
	}
}

func TestRingFor(t *testing.T) {
	if got := RingFor(10, 10); got != 1 {
		t.Fatalf("RingFor(10,10)=%d want 1", got)
	}
	if got := RingFor(25, 10); got != 3 {
		t.Fatalf("RingFor(25,10)=%d want 3", got)
	}
	if got := RingFor(1, 10); got != 1 {
		t.Fatalf("RingFor(1,10)=%d want 1", got)
	}
	if got := len(Neighbors(ID{}, 1)); got != 9 {
		t.Fatalf("3x3 ring has %d cells", got)
	}
	if got := len(Neighbors(ID{}, 2)); got != 25 {
		t.Fatalf("5x5 ring has %d cells", got)
	}
}

func TestIndex_PlaceMoveRemove(t *testing.T) {
	ix := NewIndex(10)
	ix.Place(KindEntity, 1, mgl64.Vec3{1, 0, 1})
	ix.Place(KindClient, 1, mgl64.Vec3{15, 0, 1})

	if z, _ := ix.ZoneOf(KindEntity, 1); z != (ID{0, 0}) {
		t.Fatalf("entity zone=%v", z)
	}
	if z, _ := ix.ZoneOf(KindClient, 1); z != (ID{1, 0}) {
		t.Fatalf("client zone=%v", z)
	}

	ix.OnMove(KindEntity, 1, ID{0, 0}, ID{1, 0})
	c := ix.Cell(ID{1, 0})
	if c == nil {
		t.Fatalf("expected cell {1,0}")
	}
	if _, ok := c.Entities[1]; !ok {
		t.Fatalf("entity not in new cell")
	}
	if ix.Cell(ID{0, 0}) != nil {
		t.Fatalf("empty cell should be released")
	}

	if !ix.Remove(KindClient, 1) {
		t.Fatalf("Remove client returned false")
	}
	if _, ok := ix.ZoneOf(KindClient, 1); ok {
		t.Fatalf("client still indexed")
	}
	if _, ok := ix.Cell(ID{1, 0}).Entities[1]; !ok {
		t.Fatalf("entity lost when client removed")
	}
}

func TestIndex_StaleOldZoneDoesNotDuplicate(t *testing.T) {
	ix := NewIndex(10)
	ix.Place(KindEntity, 9, mgl64.Vec3{0, 0, 0})
	ix.OnMove(KindEntity, 9, ID{5, 5}, ID{2, 2})
	_, entities, cells := ix.Counts()
	if entities != 1 || cells != 1 {
		t.Fatalf("entities=%d cells=%d want 1/1", entities, cells)
	}
}

func TestIndex_MembershipMatchesPositionAfterRandomMoves(t *testing.T) {
	ix := NewIndex(7)
	r := rand.New(rand.NewSource(42))
	pos := map[uint64]mgl64.Vec3{}
	for step := 0; step < 2000; step++ {
		id := uint64(r.Intn(40) + 1)
		p := mgl64.Vec3{r.Float64()*200 - 100, 0, r.Float64()*200 - 100}
		pos[id] = p
		ix.Place(KindEntity, id, p)
	}
	seen := map[uint64]int{}
	for z, c := range ix.cells {
		for id := range c.Entities {
			seen[id]++
			if want := For(pos[id], 7); want != z {
				t.Fatalf("entity %d in %v want %v", id, z, want)
			}
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entity %d in %d cells", id, n)
		}
	}
	if len(seen) != len(pos) {
		t.Fatalf("indexed=%d tracked=%d", len(seen), len(pos))
	}
}

func TestIndex_EachEntityNearUsesRing(t *testing.T) {
	ix := NewIndex(10)
	ix.Place(KindEntity, 1, mgl64.Vec3{25, 0, 0})
	found := func(ring int) bool {
		hit := false
		ix.EachEntityNear(ID{0, 0}, ring, func(id uint64) bool {
			hit = hit || id == 1
			return true
		})
		return hit
	}
	if found(1) {
		t.Fatalf("entity two cells away should be outside ring 1")
	}
	if !found(2) {
		t.Fatalf("entity two cells away should be inside ring 2")
	}
}
