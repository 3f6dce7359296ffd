package world

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"worldsync.io/internal/sim/reconcile"
	"worldsync.io/internal/sim/stats"
)

// ConnectionInfo describes a connecting client.
type ConnectionInfo struct {
	Name   string
	Remote string
	// Position is where the client starts; with SpawnAvatar it is also where
	// the avatar entity is created.
	Position    mgl64.Vec3
	SpawnAvatar bool
}

// Session is the part of a connected client shared with its connection
// goroutines. Everything else about the client is owned by the tick loop.
type Session struct {
	ID       uint64
	EntityID uint64 // avatar, 0 when none
	Info     ConnectionInfo

	// Out carries serialized ENTITY_UPDATE packets. The world never blocks
	// on it and never closes it.
	Out chan []byte

	inputs      *reconcile.Queue
	rtt         stats.RTT
	bytesIn     atomic.Uint64
	connectedAt time.Time
	closed      atomic.Bool

	counters *stats.Counters
}

// Enqueue hands a decoded input to the tick loop.
func (s *Session) Enqueue(in reconcile.Input) error {
	if s.closed.Load() {
		return fmt.Errorf("client %d: %w", s.ID, ErrUnknownClient)
	}
	if !s.inputs.Push(in) {
		return fmt.Errorf("client %d: %w", s.ID, ErrInputQueueFull)
	}
	return nil
}

// ReportRTT folds in a round-trip sample measured by the transport.
func (s *Session) ReportRTT(d time.Duration) { s.rtt.Observe(d) }

func (s *Session) RTT() time.Duration { return s.rtt.Get() }

// AddBytesReceived accounts inbound traffic for this client.
func (s *Session) AddBytesReceived(n int) {
	if n <= 0 {
		return
	}
	s.bytesIn.Add(uint64(n))
	if s.counters != nil {
		s.counters.BytesReceived.Add(uint64(n))
	}
}

func (s *Session) BytesReceived() uint64 { return s.bytesIn.Load() }

// Closed reports whether the world has released this client.
func (s *Session) Closed() bool { return s.closed.Load() }

// lastActivity is the newer of connect time and last accepted input.
func (s *Session) lastActivity() time.Time {
	if t := s.inputs.LastPush(); t.After(s.connectedAt) {
		return t
	}
	return s.connectedAt
}

// sessionTable is an immutable id -> session map, republished by the tick loop
// whenever membership changes.
type sessionTable map[uint64]*Session

func (w *World) publishRegistry() {
	m := make(sessionTable, len(w.clients))
	for id, c := range w.clients {
		m[id] = c.sess
	}
	w.registry.Store(&m)
}

// Session returns the live session for id. Safe from any goroutine.
func (w *World) Session(id uint64) (*Session, bool) {
	p := w.registry.Load()
	if p == nil {
		return nil, false
	}
	s, ok := (*p)[id]
	return s, ok
}
