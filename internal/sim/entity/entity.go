package entity

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	ErrExists       = errors.New("entity already exists")
	ErrNotFound     = errors.New("entity not found")
	ErrInvalidState = errors.New("entity state has non-finite components")
	ErrIDPending    = errors.New("entity id is still being evicted")
)

// State is an immutable value capture of an entity's simulated state.
type State struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Velocity mgl64.Vec3
}

// At returns a resting state at pos with identity rotation.
func At(pos mgl64.Vec3) State {
	return State{Position: pos, Rotation: mgl64.QuatIdent()}
}

// Finite reports whether every component is a finite number.
func (s State) Finite() bool {
	for _, v := range s.Position {
		if !finite(v) {
			return false
		}
	}
	for _, v := range s.Velocity {
		if !finite(v) {
			return false
		}
	}
	if !finite(s.Rotation.W) {
		return false
	}
	for _, v := range s.Rotation.V {
		if !finite(v) {
			return false
		}
	}
	return true
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Entity is a world object tracked by the Store. Owner is 0 when no client
// controls it.
type Entity struct {
	ID    uint64
	State State
	Owner uint64
}

type MutationKind uint8

const (
	MutationSpawn MutationKind = iota + 1
	MutationSet
	MutationRemove
)

// Mutation is an authored change submitted from outside the tick goroutine.
// For MutationSpawn an ID of 0 asks the store to allocate one.
type Mutation struct {
	Kind  MutationKind
	ID    uint64
	State State
	Owner uint64

	// Resp, when set, receives the affected id (0 on failure).
	Resp chan<- uint64
}
