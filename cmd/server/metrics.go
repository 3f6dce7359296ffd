package main

import (
	"fmt"
	"io"
	"net/http"

	"worldsync.io/internal/persistence/indexdb"
	"worldsync.io/internal/sim/world"
)

func metricsHandler(worldID string, w *world.World, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := w.Metrics()
		if m.Tick == 0 {
			m.Tick = w.CurrentTick()
		}
		writeWorldMetrics(rw, worldID, m)
		if idx != nil {
			writeIndexMetrics(rw, idx.Stats())
		}
	}
}

// writeWorldMetrics renders m in the Prometheus text exposition format.
func writeWorldMetrics(out io.Writer, worldID string, m world.WorldMetrics) {
	gauge := func(name, help string, format string, v any) {
		fmt.Fprintf(out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(out, "# TYPE %s gauge\n", name)
		fmt.Fprintf(out, "%s{world=%q} "+format+"\n", name, worldID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(out, "# TYPE %s counter\n", name)
		fmt.Fprintf(out, "%s{world=%q} %d\n", name, worldID, v)
	}

	gauge("worldsync_world_tick", "Current world tick.", "%d", m.Tick)
	gauge("worldsync_world_clients", "Connected clients.", "%d", m.Clients)
	gauge("worldsync_world_idle_clients", "Connected clients without recent input.", "%d", m.IdleClients)
	gauge("worldsync_world_entities", "Live entities.", "%d", m.Entities)
	gauge("worldsync_world_zones", "Occupied zone cells.", "%d", m.Zones)
	gauge("worldsync_world_history_frames", "Retained snapshot history frames.", "%d", m.HistoryFrames)
	gauge("worldsync_world_step_ms", "Last tick step duration in milliseconds.", "%.3f", m.StepMS)
	gauge("worldsync_world_avg_rtt_ms", "Mean round-trip time across clients.", "%.3f", m.AvgRTTMs)
	gauge("worldsync_world_packets_per_second", "Outbound packet rate over the stats window.", "%.3f", m.PacketsPerSec)
	gauge("worldsync_world_bytes_per_second", "Outbound byte rate over the stats window.", "%.3f", m.BytesPerSec)

	counter("worldsync_world_bytes_sent_total", "Outbound ENTITY_UPDATE bytes.", m.BytesSent)
	counter("worldsync_world_bytes_received_total", "Inbound bytes from clients.", m.BytesReceived)
	counter("worldsync_world_packets_sent_total", "Outbound ENTITY_UPDATE packets.", m.PacketsSent)
	counter("worldsync_world_packets_dropped_total", "Packets dropped on full outbound queues.", m.PacketsDrop)

	fmt.Fprintf(out, "# HELP worldsync_world_queue_depth Request channel backlog.\n")
	fmt.Fprintf(out, "# TYPE worldsync_world_queue_depth gauge\n")
	fmt.Fprintf(out, "worldsync_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "join", m.QueueDepths.Join)
	fmt.Fprintf(out, "worldsync_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "leave", m.QueueDepths.Leave)
	fmt.Fprintf(out, "worldsync_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "mutate", m.QueueDepths.Mutate)

	fmt.Fprintf(out, "# HELP worldsync_stats_window Rolling window totals.\n")
	fmt.Fprintf(out, "# TYPE worldsync_stats_window gauge\n")
	for _, kv := range []struct {
		name string
		v    uint64
	}{
		{"inputs", m.StatsWindow.Inputs},
		{"stale_inputs", m.StatsWindow.StaleInputs},
		{"dropped", m.StatsWindow.Dropped},
		{"skipped", m.StatsWindow.Skipped},
	} {
		fmt.Fprintf(out, "worldsync_stats_window{world=%q,metric=%q} %d\n", worldID, kv.name, kv.v)
	}
	gauge("worldsync_stats_window_ticks", "Rolling window size in ticks.", "%d", m.StatsWindowTicks)
}

func writeIndexMetrics(out io.Writer, s indexdb.IndexStats) {
	fmt.Fprintf(out, "# HELP worldsync_index_queue_depth Stats index writer backlog.\n")
	fmt.Fprintf(out, "# TYPE worldsync_index_queue_depth gauge\n")
	fmt.Fprintf(out, "worldsync_index_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(out, "# HELP worldsync_index_dropped_total Index writes dropped on a full queue.\n")
	fmt.Fprintf(out, "# TYPE worldsync_index_dropped_total counter\n")
	fmt.Fprintf(out, "worldsync_index_dropped_total{kind=%q} %d\n", "tick", s.DropTickTotal)
	fmt.Fprintf(out, "worldsync_index_dropped_total{kind=%q} %d\n", "dump", s.DropDumpTotal)
	fmt.Fprintf(out, "# HELP worldsync_index_write_failures_total Failed index transactions.\n")
	fmt.Fprintf(out, "# TYPE worldsync_index_write_failures_total counter\n")
	fmt.Fprintf(out, "worldsync_index_write_failures_total %d\n", s.WriteFailures)
}
