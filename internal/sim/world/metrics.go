package world

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/persistence/snapshot"
	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/stats"
)

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Clients       int `json:"clients"`
	IdleClients   int `json:"idle_clients"`
	Entities      int `json:"entities"`
	Zones         int `json:"zones"`
	HistoryFrames int `json:"history_frames"`

	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	PacketsSent   uint64 `json:"packets_sent"`
	PacketsDrop   uint64 `json:"packets_dropped"`

	PacketsPerSec float64 `json:"packets_per_sec"`
	BytesPerSec   float64 `json:"bytes_per_sec"`
	AvgRTTMs      float64 `json:"avg_rtt_ms"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	StatsWindowTicks uint64       `json:"stats_window_ticks"`
	StatsWindow      stats.Bucket `json:"stats_window"`
}

type QueueDepths struct {
	Join   int `json:"join"`
	Leave  int `json:"leave"`
	Mutate int `json:"mutate"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}

func (w *World) publishMetrics(nowTick uint64, idle int, stepMS float64) {
	_, _, cells := w.zones.Counts()
	win := w.window.Summarize(nowTick)

	var rttSum time.Duration
	rttN := 0
	for _, c := range w.clients {
		if r := c.sess.RTT(); r > 0 {
			rttSum += r
			rttN++
		}
	}
	avgRTT := 0.0
	if rttN > 0 {
		avgRTT = float64((rttSum / time.Duration(rttN)).Microseconds()) / 1000
	}

	period := w.cfg.tickPeriod()
	w.metrics.Store(WorldMetrics{
		Tick:          nowTick,
		Clients:       len(w.clients),
		IdleClients:   idle,
		Entities:      w.store.Len(),
		Zones:         cells,
		HistoryFrames: w.hist.Len(),
		BytesSent:     w.counters.BytesSent.Load(),
		BytesReceived: w.counters.BytesReceived.Load(),
		PacketsSent:   w.counters.Packets.Load(),
		PacketsDrop:   w.counters.Dropped.Load(),
		PacketsPerSec: stats.Rate(win.Packets, win.Ticks, period),
		BytesPerSec:   stats.Rate(win.BytesSent, win.Ticks, period),
		AvgRTTMs:      avgRTT,
		QueueDepths: QueueDepths{
			Join:   len(w.join),
			Leave:  len(w.leave),
			Mutate: len(w.mutate),
		},
		StepMS:           stepMS,
		StatsWindowTicks: w.window.WindowTicks(),
		StatsWindow:      win,
	})
}

const statsLogEvery = 5 * time.Second

func (w *World) maybeLogStats(now time.Time) {
	if w.lastStatsLog.IsZero() {
		w.lastStatsLog = now
		return
	}
	if now.Sub(w.lastStatsLog) < statsLogEvery {
		return
	}
	w.lastStatsLog = now
	m := w.Metrics()
	w.log.WithFields(logrus.Fields{
		"tick":     m.Tick,
		"clients":  m.Clients,
		"idle":     m.IdleClients,
		"entities": m.Entities,
		"sent":     humanize.Bytes(m.BytesSent),
		"received": humanize.Bytes(m.BytesReceived),
		"rate":     humanize.Bytes(uint64(m.BytesPerSec)) + "/s",
		"pps":      m.PacketsPerSec,
		"rtt_ms":   m.AvgRTTMs,
		"step_ms":  m.StepMS,
		"dropped":  m.PacketsDrop,
	}).Info("stats")
}

// ExportHistory materializes every retained frame for a diagnostic dump.
// Must be called from the loop goroutine.
func (w *World) ExportHistory(nowTick uint64) snapshot.HistoryDumpV1 {
	d := snapshot.HistoryDumpV1{
		Header: snapshot.Header{
			Version: 1,
			WorldID: w.cfg.ID,
			RunID:   w.cfg.RunID,
			Tick:    nowTick,
		},
		TickRate:    w.cfg.TickRateHz,
		RetentionMs: w.cfg.Retention.Milliseconds(),
		CellSize:    w.cfg.ZoneCellSize,
	}
	for _, f := range w.hist.Frames() {
		snap, ok := w.hist.AtTick(f.Tick)
		if !ok {
			continue
		}
		fv := snapshot.FrameV1{Tick: f.Tick, AtMs: f.At.UnixMilli()}
		snap.Each(func(id uint64, st entity.State) bool {
			fv.Entities = append(fv.Entities, snapshot.EntityV1{
				ID:       id,
				Position: [3]float64(st.Position),
				Rotation: [4]float64{st.Rotation.V[0], st.Rotation.V[1], st.Rotation.V[2], st.Rotation.W},
				Velocity: [3]float64(st.Velocity),
			})
			return true
		})
		d.Frames = append(d.Frames, fv)
	}
	d.Header.Frames = len(d.Frames)
	return d
}
