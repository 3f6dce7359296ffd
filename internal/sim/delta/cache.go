package delta

import "worldsync.io/internal/sim/entity"

// Cache is a client's last-known state per entity: what the server believes
// the client currently holds.
type Cache struct {
	known map[uint64]entity.State
}

func NewCache() *Cache { return &Cache{known: map[uint64]entity.State{}} }

func (c *Cache) Get(id uint64) (entity.State, bool) {
	st, ok := c.known[id]
	return st, ok
}

func (c *Cache) Len() int { return len(c.known) }

func (c *Cache) Forget(id uint64) { delete(c.known, id) }

// Reset drops everything so the next pass sends full state.
func (c *Cache) Reset() { clear(c.known) }

// Commit records that d reached the outbound queue. The cache stores the
// entity's full current state, not only the changed fields, because the
// client is now up to date.
func (c *Cache) Commit(d EntityDelta) {
	if d.Removed {
		delete(c.known, d.EntityID)
		return
	}
	c.known[d.EntityID] = d.State
}
