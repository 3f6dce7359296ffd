package entity

import (
	"fmt"
	"sort"
)

// Store is the authoritative mapping from entity id to current state.
// It is owned by the tick goroutine and is not safe for concurrent use.
type Store struct {
	entities map[uint64]*Entity

	// Ids whose state changed since the last DrainDirty.
	dirty map[uint64]struct{}
	// Ids removed since the last DrainRemoved. They may not be reinserted
	// until drained, so a removed id is never reused while a client can still
	// reference it.
	removed map[uint64]struct{}

	nextID uint64
}

func NewStore() *Store {
	return &Store{
		entities: map[uint64]*Entity{},
		dirty:    map[uint64]struct{}{},
		removed:  map[uint64]struct{}{},
	}
}

func (s *Store) Len() int { return len(s.entities) }

// Spawn inserts a new entity under a freshly allocated id.
func (s *Store) Spawn(st State, owner uint64) (uint64, error) {
	if !st.Finite() {
		return 0, ErrInvalidState
	}
	for {
		s.nextID++
		id := s.nextID
		if _, ok := s.entities[id]; ok {
			continue
		}
		if _, ok := s.removed[id]; ok {
			continue
		}
		s.put(id, st, owner)
		return id, nil
	}
}

// Insert adds an entity under a caller-chosen id.
func (s *Store) Insert(id uint64, st State, owner uint64) error {
	if id == 0 {
		return fmt.Errorf("insert: %w: zero id", ErrNotFound)
	}
	if !st.Finite() {
		return ErrInvalidState
	}
	if _, ok := s.entities[id]; ok {
		return fmt.Errorf("insert %d: %w", id, ErrExists)
	}
	if _, ok := s.removed[id]; ok {
		return fmt.Errorf("insert %d: %w", id, ErrIDPending)
	}
	if id > s.nextID {
		s.nextID = id
	}
	s.put(id, st, owner)
	return nil
}

func (s *Store) put(id uint64, st State, owner uint64) {
	s.entities[id] = &Entity{ID: id, State: st, Owner: owner}
	s.dirty[id] = struct{}{}
}

// Set replaces the state of an existing entity.
func (s *Store) Set(id uint64, st State) error {
	e := s.entities[id]
	if e == nil {
		return fmt.Errorf("set %d: %w", id, ErrNotFound)
	}
	if !st.Finite() {
		return fmt.Errorf("set %d: %w", id, ErrInvalidState)
	}
	if e.State == st {
		return nil
	}
	e.State = st
	s.dirty[id] = struct{}{}
	return nil
}

// Update applies fn to the current state of id.
func (s *Store) Update(id uint64, fn func(State) State) error {
	e := s.entities[id]
	if e == nil {
		return fmt.Errorf("update %d: %w", id, ErrNotFound)
	}
	return s.Set(id, fn(e.State))
}

func (s *Store) Get(id uint64) (Entity, bool) {
	e := s.entities[id]
	if e == nil {
		return Entity{}, false
	}
	return *e, true
}

// State returns the current state of id.
func (s *Store) State(id uint64) (State, bool) {
	e := s.entities[id]
	if e == nil {
		return State{}, false
	}
	return e.State, true
}

func (s *Store) Remove(id uint64) bool {
	if _, ok := s.entities[id]; !ok {
		return false
	}
	delete(s.entities, id)
	delete(s.dirty, id)
	s.removed[id] = struct{}{}
	return true
}

// IDs returns every live id in ascending order.
func (s *Store) IDs() []uint64 {
	out := make([]uint64, 0, len(s.entities))
	for id := range s.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OwnedBy returns the ids owned by client, ascending.
func (s *Store) OwnedBy(client uint64) []uint64 {
	if client == 0 {
		return nil
	}
	var out []uint64
	for id, e := range s.entities {
		if e.Owner == client {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dirty returns the ids changed since the last DrainDirty without clearing them.
func (s *Store) Dirty() []uint64 {
	return sortedKeys(s.dirty)
}

// DrainDirty returns and clears the changed set.
func (s *Store) DrainDirty() []uint64 {
	out := sortedKeys(s.dirty)
	clear(s.dirty)
	return out
}

// DrainRemoved returns and clears the removed set. After draining, removed
// ids become available to Insert again.
func (s *Store) DrainRemoved() []uint64 {
	out := sortedKeys(s.removed)
	clear(s.removed)
	return out
}

// Apply executes an externally submitted mutation.
func (s *Store) Apply(m Mutation) (uint64, error) {
	switch m.Kind {
	case MutationSpawn:
		if m.ID == 0 {
			return s.Spawn(m.State, m.Owner)
		}
		return m.ID, s.Insert(m.ID, m.State, m.Owner)
	case MutationSet:
		return m.ID, s.Set(m.ID, m.State)
	case MutationRemove:
		if !s.Remove(m.ID) {
			return m.ID, fmt.Errorf("remove %d: %w", m.ID, ErrNotFound)
		}
		return m.ID, nil
	default:
		return 0, fmt.Errorf("unknown mutation kind %d", m.Kind)
	}
}

func sortedKeys(m map[uint64]struct{}) []uint64 {
	if len(m) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
