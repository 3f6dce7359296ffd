package zone

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ID identifies a grid cell on the horizontal (x, z) plane.
type ID struct {
	X int
	Z int
}

// Kind distinguishes the two membership sets a cell holds.
type Kind uint8

const (
	KindClient Kind = iota + 1
	KindEntity
)

// For maps a world position to its cell by floor division on x and z.
func For(pos mgl64.Vec3, cellSize float64) ID {
	return ID{
		X: int(math.Floor(pos[0] / cellSize)),
		Z: int(math.Floor(pos[2] / cellSize)),
	}
}

// RingFor returns how many cells outward an interest query must reach so
// that every point within radius of any point in the centre cell is covered.
func RingFor(radius, cellSize float64) int {
	if radius <= 0 || cellSize <= 0 {
		return 1
	}
	r := int(math.Ceil(radius / cellSize))
	if r < 1 {
		r = 1
	}
	return r
}

// Neighbors returns the (2*ring+1)^2 cells centred on id, in row order.
func Neighbors(id ID, ring int) []ID {
	if ring < 0 {
		ring = 0
	}
	side := 2*ring + 1
	out := make([]ID, 0, side*side)
	for dz := -ring; dz <= ring; dz++ {
		for dx := -ring; dx <= ring; dx++ {
			out = append(out, ID{X: id.X + dx, Z: id.Z + dz})
		}
	}
	return out
}
