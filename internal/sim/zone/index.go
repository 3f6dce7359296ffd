package zone

import "github.com/go-gl/mathgl/mgl64"

// Cell holds the ids currently located in one grid cell.
type Cell struct {
	Clients  map[uint64]struct{}
	Entities map[uint64]struct{}
}

func (c *Cell) set(kind Kind) map[uint64]struct{} {
	if kind == KindClient {
		return c.Clients
	}
	return c.Entities
}

func (c *Cell) empty() bool { return len(c.Clients) == 0 && len(c.Entities) == 0 }

// Index tracks which cell every client and entity occupies.
// Accessed only from the tick goroutine; no locks.
type Index struct {
	cellSize float64
	cells    map[ID]*Cell

	clients  map[uint64]ID
	entities map[uint64]ID
}

func NewIndex(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Index{
		cellSize: cellSize,
		cells:    map[ID]*Cell{},
		clients:  map[uint64]ID{},
		entities: map[uint64]ID{},
	}
}

func (ix *Index) CellSize() float64 { return ix.cellSize }

// ZoneFor is For bound to this index's cell size.
func (ix *Index) ZoneFor(pos mgl64.Vec3) ID { return For(pos, ix.cellSize) }

func (ix *Index) members(kind Kind) map[uint64]ID {
	if kind == KindClient {
		return ix.clients
	}
	return ix.entities
}

// ZoneOf returns the cell id currently holds.
func (ix *Index) ZoneOf(kind Kind, id uint64) (ID, bool) {
	z, ok := ix.members(kind)[id]
	return z, ok
}

// Place puts id into the cell containing pos, moving it if it is already
// indexed elsewhere. It returns the resulting cell.
func (ix *Index) Place(kind Kind, id uint64, pos mgl64.Vec3) ID {
	to := ix.ZoneFor(pos)
	if from, ok := ix.members(kind)[id]; ok {
		ix.OnMove(kind, id, from, to)
		return to
	}
	ix.add(kind, id, to)
	return to
}

// OnMove moves id between membership sets. The recorded cell wins over a
// stale oldZone so an id is never a member of two cells.
func (ix *Index) OnMove(kind Kind, id uint64, oldZone, newZone ID) {
	if cur, ok := ix.members(kind)[id]; ok {
		oldZone = cur
	} else {
		ix.add(kind, id, newZone)
		return
	}
	if oldZone == newZone {
		return
	}
	ix.drop(kind, id, oldZone)
	ix.add(kind, id, newZone)
}

// Remove takes id out of the index.
func (ix *Index) Remove(kind Kind, id uint64) bool {
	z, ok := ix.members(kind)[id]
	if !ok {
		return false
	}
	ix.drop(kind, id, z)
	delete(ix.members(kind), id)
	return true
}

func (ix *Index) add(kind Kind, id uint64, z ID) {
	c := ix.cells[z]
	if c == nil {
		c = &Cell{Clients: map[uint64]struct{}{}, Entities: map[uint64]struct{}{}}
		ix.cells[z] = c
	}
	c.set(kind)[id] = struct{}{}
	ix.members(kind)[id] = z
}

func (ix *Index) drop(kind Kind, id uint64, z ID) {
	c := ix.cells[z]
	if c == nil {
		return
	}
	delete(c.set(kind), id)
	if c.empty() {
		delete(ix.cells, z)
	}
}

// Cell returns the membership of z, or nil when nothing is there.
// Callers must not mutate the returned sets.
func (ix *Index) Cell(z ID) *Cell { return ix.cells[z] }

// EachEntityNear calls fn for every entity indexed in the ring of cells
// around z. Iteration stops when fn returns false.
func (ix *Index) EachEntityNear(z ID, ring int, fn func(id uint64) bool) {
	for dz := -ring; dz <= ring; dz++ {
		for dx := -ring; dx <= ring; dx++ {
			c := ix.cells[ID{X: z.X + dx, Z: z.Z + dz}]
			if c == nil {
				continue
			}
			for id := range c.Entities {
				if !fn(id) {
					return
				}
			}
		}
	}
}

// Counts reports indexed clients, entities and occupied cells.
func (ix *Index) Counts() (clients, entities, cells int) {
	return len(ix.clients), len(ix.entities), len(ix.cells)
}
