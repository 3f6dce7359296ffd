package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/persistence/snapshot"
	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/delta"
	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/history"
	"worldsync.io/internal/sim/interest"
	"worldsync.io/internal/sim/reconcile"
	"worldsync.io/internal/sim/stats"
	"worldsync.io/internal/sim/tuning"
	"worldsync.io/internal/sim/zone"
)

var (
	ErrAtCapacity     = errors.New("server at capacity")
	ErrClientExists   = errors.New("client id already connected")
	ErrUnknownClient  = errors.New("unknown client")
	ErrInputQueueFull = errors.New("input queue full")
	ErrStopped        = errors.New("world stopped")

	ErrResponseUndeliverable = errors.New("connect response channel not ready")
)

type WorldConfig struct {
	ID    string
	RunID string

	TickRateHz         int
	ClientUpdateRateHz int
	MaxClients         int

	InterestRadius float64
	ZoneCellSize   float64
	Epsilon        delta.Epsilon

	Retention      time.Duration
	IdleAfter      time.Duration
	MaxPacketBytes int
	OutboundQueue  int
	InputQueue     int
	MoveSpeed      float64

	// SnapshotEveryTicks > 0 sends a history dump to the snapshot sink.
	SnapshotEveryTicks int
}

// ConfigFromTuning maps a validated tuning file onto a WorldConfig.
func ConfigFromTuning(id string, t tuning.Tuning) WorldConfig {
	return WorldConfig{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		ClientUpdateRateHz: t.ClientUpdateRateHz,
		MaxClients:         t.MaxClients,
		InterestRadius:     t.InterestRadius,
		ZoneCellSize:       t.ZoneCellSize,
		Epsilon: delta.Epsilon{
			Position: t.Epsilon.Position,
			Rotation: t.Epsilon.RotationRad,
			Velocity: t.Epsilon.Velocity,
		},
		Retention:          t.Retention(),
		IdleAfter:          t.IdleAfter(),
		MaxPacketBytes:     t.MaxPacketBytes,
		OutboundQueue:      t.OutboundQueue,
		InputQueue:         t.InputQueue,
		MoveSpeed:          t.MoveSpeed,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
	}
}

func (c WorldConfig) tickPeriod() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

func (c WorldConfig) sendEvery() uint64 {
	return tuning.SendInterval(c.TickRateHz, c.ClientUpdateRateHz)
}

type ConnectRequest struct {
	// ClientID 0 asks the world to allocate one.
	ClientID uint64
	Info     ConnectionInfo
	// Out is used as the outbound queue when set.
	Out  chan []byte
	Resp chan ConnectResponse
}

type ConnectResponse struct {
	Accepted bool
	Err      error
	Session  *Session
}

// World is the tick driver. The entity store, zone index, history and every
// per-client cache are owned by the loop goroutine; other goroutines reach
// them only through the request channels and Session queues.
type World struct {
	cfg WorldConfig
	log logrus.FieldLogger

	tick atomic.Uint64

	store   *entity.Store
	zones   *zone.Index
	eval    *interest.Evaluator
	hist    *history.History
	recon   *reconcile.Reconciler
	records *ristretto.Cache[uint64, cachedRecord]

	clients      map[uint64]*client
	nextClientID uint64
	registry     atomic.Pointer[sessionTable]

	join   chan ConnectRequest
	leave  chan uint64
	mutate chan entity.Mutation
	stop   chan struct{}
	done   chan struct{}

	sim      Simulator
	observer InputObserver

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	tickLogger   TickLogger
	snapshotSink chan<- snapshot.HistoryDumpV1

	window   *stats.Window
	counters stats.Counters
	metrics  atomic.Value

	lastStatsLog time.Time
}

// client is the tick-owned part of a connection.
type client struct {
	sess  *Session
	view  *interest.View
	cache *delta.Cache

	// Tombstones owed to the client, flushed on the next send tick.
	tombstones map[uint64]struct{}

	idle     bool
	dropping bool
}

func New(cfg WorldConfig, log logrus.FieldLogger) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, errors.New("tick rate must be > 0")
	}
	if cfg.MaxClients <= 0 {
		return nil, errors.New("max clients must be > 0")
	}
	if cfg.ZoneCellSize <= 0 || cfg.InterestRadius <= 0 {
		return nil, errors.New("zone cell size and interest radius must be > 0")
	}
	if cfg.MaxPacketBytes > 0 && cfg.MaxPacketBytes < protocol.MinPacketBytes {
		return nil, fmt.Errorf("max packet bytes %d cannot fit a full-state record (%d)", cfg.MaxPacketBytes, protocol.MinPacketBytes)
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 32
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	log = log.WithField("component", "world")

	records, err := ristretto.NewCache(&ristretto.Config[uint64, cachedRecord]{
		NumCounters: 1 << 16,
		MaxCost:     recordCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	period := cfg.tickPeriod()
	hist := history.New(cfg.Retention, history.CapacityFor(cfg.Retention, period))
	zones := zone.NewIndex(cfg.ZoneCellSize)
	w := &World{
		cfg:     cfg,
		log:     log,
		store:   entity.NewStore(),
		zones:   zones,
		eval:    interest.NewEvaluator(zones, cfg.InterestRadius),
		hist:    hist,
		records: records,
		clients: map[uint64]*client{},
		join:    make(chan ConnectRequest, 256),
		leave:   make(chan uint64, 1024),
		mutate:  make(chan entity.Mutation, 4096),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		// One-second buckets over a ten-second window.
		window: stats.NewWindow(uint64(cfg.TickRateHz), uint64(cfg.TickRateHz)*10),
	}
	w.recon = reconcile.New(hist, reconcile.MoveApplier{Speed: cfg.MoveSpeed, Step: period}, log)
	w.publishRegistry()
	w.metrics.Store(WorldMetrics{})
	return w, nil
}

func (w *World) SetSimulator(s Simulator)                         { w.sim = s }
func (w *World) SetInputObserver(o InputObserver)                 { w.observer = o }
func (w *World) SetTickLogger(l TickLogger)                       { w.tickLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.HistoryDumpV1) { w.snapshotSink = ch }
func (w *World) Join() chan<- ConnectRequest                      { return w.join }
func (w *World) Leave() chan<- uint64                             { return w.leave }
func (w *World) Mutate() chan<- entity.Mutation                   { return w.mutate }
func (w *World) Config() WorldConfig                              { return w.cfg }
func (w *World) CurrentTick() uint64                              { return w.tick.Load() }
func (w *World) Counters() *stats.Counters                        { return &w.counters }
func (w *World) Done() <-chan struct{}                            { return w.done }

func (w *World) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.records.Close()

	ticker := time.NewTicker(w.cfg.tickPeriod())
	defer ticker.Stop()

	var pendingJoins []ConnectRequest
	var pendingLeaves []uint64
	var pendingMutations []entity.Mutation

	for {
		select {
		case <-ctx.Done():
			w.rejectPending(pendingJoins)
			return ctx.Err()
		case <-w.stop:
			w.rejectPending(pendingJoins)
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case m := <-w.mutate:
			pendingMutations = append(pendingMutations, m)
		case now := <-ticker.C:
			w.step(now, pendingJoins, pendingLeaves, pendingMutations)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingMutations = pendingMutations[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

func (w *World) rejectPending(joins []ConnectRequest) {
	for _, req := range joins {
		deliver(req.Resp, ConnectResponse{Err: ErrStopped})
	}
}

// deliver hands resp to ch without blocking the tick. A nil channel counts
// as delivered since the caller asked for no reply.
func deliver(ch chan ConnectResponse, resp ConnectResponse) bool {
	if ch == nil {
		return true
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// StepOnce advances the world by a single tick at now using the same
// ordering as Run. It is intended for deterministic tests and tools.
func (w *World) StepOnce(now time.Time, joins []ConnectRequest, leaves []uint64, muts []entity.Mutation) TickReport {
	return w.step(now, joins, leaves, muts)
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick     uint64
	Accepted []uint64
	Rejected int
	Removed  []uint64
	Packets  int
	Bytes    int
	Dropped  int
	Skipped  int
	Inputs   []reconcile.Result
}

func (w *World) step(now time.Time, joins []ConnectRequest, leaves []uint64, muts []entity.Mutation) TickReport {
	start := time.Now()
	nowTick := w.tick.Load()
	rep := TickReport{Tick: nowTick}
	entry := TickLogEntry{Tick: nowTick, TimeMs: now.UnixMilli(), RunID: w.cfg.RunID}

	// Membership changes apply at the tick boundary, leaves first so a
	// reconnect under the same id in one batch succeeds.
	membership := false
	for _, id := range leaves {
		if w.removeClient(id) {
			entry.Disconnects = append(entry.Disconnects, id)
			membership = true
		}
	}
	for _, req := range joins {
		resp := w.addClient(req, now)
		if resp.Accepted && !deliver(req.Resp, resp) {
			// Nobody will ever learn about this session.
			w.log.WithField("client", resp.Session.ID).Warn("connect response undeliverable; dropping client")
			w.removeClient(resp.Session.ID)
			resp = ConnectResponse{Err: ErrResponseUndeliverable}
		} else if !resp.Accepted {
			deliver(req.Resp, resp)
		}
		if resp.Accepted {
			rep.Accepted = append(rep.Accepted, resp.Session.ID)
			entry.Connects = append(entry.Connects, RecordedConnect{ClientID: resp.Session.ID, EntityID: resp.Session.EntityID, Name: resp.Session.Info.Name})
			membership = true
		} else {
			rep.Rejected++
		}
	}
	entry.Rejected = rep.Rejected
	if membership {
		w.publishRegistry()
	}

	for _, m := range muts {
		id, err := w.store.Apply(m)
		if err != nil {
			w.log.WithError(err).WithField("tick", nowTick).Debug("mutation rejected")
			id = 0
		}
		if m.Resp != nil {
			select {
			case m.Resp <- id:
			default:
			}
		}
	}

	if w.sim != nil {
		w.sim.Simulate(TickInfo{Tick: nowTick, Now: now, Dt: w.cfg.tickPeriod()}, w.store)
	}

	// Destroyed entities leave every zone, visible set and cache this tick.
	removed := w.store.DrainRemoved()
	w.evictRemoved(removed)
	rep.Removed = removed
	entry.Removed = removed

	w.syncZones(w.store.Dirty())

	ids := w.clientIDs()
	for _, id := range ids {
		c := w.clients[id]
		w.followAvatar(c)
		entered, left := w.eval.Update(c.view, w.store)
		for _, eid := range entered {
			delete(c.tombstones, eid)
		}
		for _, eid := range left {
			c.tombstones[eid] = struct{}{}
		}
	}

	if nowTick%w.cfg.sendEvery() == 0 {
		for _, id := range ids {
			out := w.sendTo(w.clients[id], nowTick, now)
			rep.Packets += out.packets
			rep.Bytes += out.bytes
			rep.Dropped += out.dropped
			rep.Skipped += out.skipped
		}
	}

	// Capture before applying inputs so every input can rewind to a frame
	// at or before this tick.
	w.hist.Capture(nowTick, now, w.store.DrainDirty(), w.store.State, removed)

	var stale uint64
	for _, id := range ids {
		c := w.clients[id]
		inputs := c.sess.inputs.Drain()
		if len(inputs) == 0 {
			continue
		}
		for _, res := range w.recon.Reconcile(id, c.sess.EntityID, inputs, w.store) {
			rep.Inputs = append(rep.Inputs, res)
			entry.Inputs = append(entry.Inputs, RecordedInput{
				ClientID:    id,
				Seq:         res.Input.Seq,
				TimestampMs: res.Input.Timestamp.UnixMilli(),
				RewindTick:  res.Tick,
				Stale:       res.Stale,
				Applied:     res.Applied,
			})
			if res.Stale {
				stale++
			}
			if w.observer != nil {
				w.observer.ObserveInput(nowTick, res)
			}
		}
	}

	// End-of-tick zone membership reflects input-driven moves.
	w.syncZones(w.store.Dirty())
	for _, id := range ids {
		c := w.clients[id]
		w.followAvatar(c)
		w.eval.Locate(c.view)
	}

	idle := 0
	for _, id := range ids {
		c := w.clients[id]
		c.idle = w.cfg.IdleAfter > 0 && now.Sub(c.sess.lastActivity()) >= w.cfg.IdleAfter
		if c.idle {
			idle++
		}
	}

	w.window.Record(nowTick, stats.Bucket{
		BytesSent:   uint64(rep.Bytes),
		Packets:     uint64(rep.Packets),
		Inputs:      uint64(len(rep.Inputs)),
		StaleInputs: stale,
		Dropped:     uint64(rep.Dropped),
		Skipped:     uint64(rep.Skipped),
		Ticks:       1,
	})
	w.counters.BytesSent.Add(uint64(rep.Bytes))
	w.counters.Packets.Add(uint64(rep.Packets))
	w.counters.Dropped.Add(uint64(rep.Dropped))

	stepMS := float64(time.Since(start).Microseconds()) / 1000
	w.publishMetrics(nowTick, idle, stepMS)
	w.maybeLogStats(now)

	if w.tickLogger != nil {
		entry.Clients = len(w.clients)
		entry.Entities = w.store.Len()
		entry.Packets = rep.Packets
		entry.Bytes = rep.Bytes
		entry.Dropped = rep.Dropped
		entry.Skipped = rep.Skipped
		entry.StepMS = stepMS
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.log.WithError(err).Warn("tick log write failed")
		}
	}

	if w.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 && nowTick != 0 && nowTick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		select {
		case w.snapshotSink <- w.ExportHistory(nowTick):
		default:
			// Drop dump if sink is backed up.
		}
	}

	w.tick.Add(1)
	return rep
}

func (w *World) clientIDs() []uint64 {
	ids := make([]uint64, 0, len(w.clients))
	for id := range w.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *World) syncZones(changed []uint64) {
	for _, id := range changed {
		st, ok := w.store.State(id)
		if !ok {
			continue
		}
		w.zones.Place(zone.KindEntity, id, st.Position)
	}
}

func (w *World) evictRemoved(removed []uint64) {
	if len(removed) == 0 {
		return
	}
	for _, eid := range removed {
		w.zones.Remove(zone.KindEntity, eid)
		w.records.Del(eid)
	}
	for _, c := range w.clients {
		for _, eid := range removed {
			if interest.Evict(c.view, eid) {
				c.tombstones[eid] = struct{}{}
			}
			c.cache.Forget(eid)
		}
	}
}

// followAvatar moves the client's viewpoint to its avatar, if it has one.
func (w *World) followAvatar(c *client) {
	if c.sess.EntityID == 0 {
		return
	}
	if st, ok := w.store.State(c.sess.EntityID); ok {
		c.view.Position = st.Position
	}
}
