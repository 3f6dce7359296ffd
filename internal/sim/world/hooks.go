package world

import (
	"time"

	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/reconcile"
)

// TickInfo identifies the tick being simulated.
type TickInfo struct {
	Tick uint64
	Now  time.Time
	Dt   time.Duration
}

// Simulator is the gameplay collaborator. It runs on the tick goroutine at
// the start of every tick, after connects and queued mutations are applied,
// and is the only place gameplay may author entity state directly.
type Simulator interface {
	Simulate(tick TickInfo, store *entity.Store)
}

// SimulatorFunc adapts a function to Simulator.
type SimulatorFunc func(tick TickInfo, store *entity.Store)

func (f SimulatorFunc) Simulate(tick TickInfo, store *entity.Store) { f(tick, store) }

// InputObserver receives every reconciled input, including ones that were
// stale-compensated or discarded for a missing entity.
type InputObserver interface {
	ObserveInput(tick uint64, res reconcile.Result)
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type TickLogEntry struct {
	Tick        uint64            `json:"tick"`
	TimeMs      int64             `json:"time_ms"`
	RunID       string            `json:"run_id,omitempty"`
	Connects    []RecordedConnect `json:"connects,omitempty"`
	Rejected    int               `json:"rejected,omitempty"`
	Disconnects []uint64          `json:"disconnects,omitempty"`
	Removed     []uint64          `json:"removed,omitempty"`
	Inputs      []RecordedInput   `json:"inputs,omitempty"`

	Clients  int `json:"clients"`
	Entities int `json:"entities"`
	Packets  int `json:"packets"`
	Bytes    int `json:"bytes"`
	Dropped  int `json:"dropped,omitempty"`
	Skipped  int `json:"skipped,omitempty"`

	StepMS float64 `json:"step_ms"`
}

type RecordedConnect struct {
	ClientID uint64 `json:"client_id"`
	EntityID uint64 `json:"entity_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

type RecordedInput struct {
	ClientID    uint64 `json:"client_id"`
	Seq         uint32 `json:"seq"`
	TimestampMs int64  `json:"timestamp_ms"`
	RewindTick  uint64 `json:"rewind_tick"`
	Stale       bool   `json:"stale,omitempty"`
	Applied     bool   `json:"applied"`
}
