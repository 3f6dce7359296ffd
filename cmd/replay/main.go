package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	persistlog "worldsync.io/internal/persistence/log"
	"worldsync.io/internal/persistence/snapshot"
	"worldsync.io/internal/sim/world"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		worldID  = flag.String("world", "world_1", "world id")
		dumpPath = flag.String("dump", "", "path to a .history.zst dump (optional)")
		entityID = flag.Uint64("entity", 0, "print this entity's trajectory from the dump")
		fromTick = flag.Uint64("from_tick", 0, "first tick to include (inclusive)")
		toTick   = flag.Uint64("to_tick", 0, "last tick to include (inclusive, 0 = no limit)")
	)
	flag.Parse()

	if *dumpPath != "" {
		if err := printDump(*dumpPath, *entityID); err != nil {
			fmt.Fprintln(os.Stderr, "dump:", err)
			os.Exit(1)
		}
		return
	}

	files, err := persistlog.Segments(filepath.Join(*dataDir, "worlds", *worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list tick logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick logs found for world", *worldID)
		os.Exit(1)
	}
	sum, err := summarizeTicks(files, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	sum.print()
}

type tickSummary struct {
	Ticks       uint64
	FirstTick   uint64
	LastTick    uint64
	Runs        map[string]uint64
	Connects    int
	Disconnects int
	Rejected    int
	Removed     int
	Packets     uint64
	Bytes       uint64
	Dropped     uint64
	Skipped     uint64
	Inputs      uint64
	Stale       uint64
	Discarded   uint64
	MaxClients  int
	MaxStepMS   float64
	PerClient   map[uint64]uint64
}

func summarizeTicks(files []string, from, to uint64) (tickSummary, error) {
	s := tickSummary{Runs: map[string]uint64{}, PerClient: map[uint64]uint64{}}
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(e world.TickLogEntry) bool {
			if e.Tick < from {
				return true
			}
			if to != 0 && e.Tick > to {
				return false
			}
			if s.Ticks == 0 {
				s.FirstTick = e.Tick
			}
			s.Ticks++
			s.LastTick = e.Tick
			s.Runs[e.RunID]++
			s.Connects += len(e.Connects)
			s.Disconnects += len(e.Disconnects)
			s.Rejected += e.Rejected
			s.Removed += len(e.Removed)
			s.Packets += uint64(e.Packets)
			s.Bytes += uint64(e.Bytes)
			s.Dropped += uint64(e.Dropped)
			s.Skipped += uint64(e.Skipped)
			for _, in := range e.Inputs {
				s.Inputs++
				s.PerClient[in.ClientID]++
				if in.Stale {
					s.Stale++
				}
				if !in.Applied {
					s.Discarded++
				}
			}
			if e.Clients > s.MaxClients {
				s.MaxClients = e.Clients
			}
			if e.StepMS > s.MaxStepMS {
				s.MaxStepMS = e.StepMS
			}
			return true
		})
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

func (s tickSummary) print() {
	fmt.Printf("ticks=%d range=[%d,%d] runs=%d max_clients=%d max_step_ms=%.3f\n",
		s.Ticks, s.FirstTick, s.LastTick, len(s.Runs), s.MaxClients, s.MaxStepMS)
	fmt.Printf("connects=%d disconnects=%d rejected=%d removed_entities=%d\n",
		s.Connects, s.Disconnects, s.Rejected, s.Removed)
	fmt.Printf("packets=%d sent=%s dropped=%d skipped=%d\n",
		s.Packets, humanize.Bytes(s.Bytes), s.Dropped, s.Skipped)
	stalePct := 0.0
	if s.Inputs > 0 {
		stalePct = 100 * float64(s.Stale) / float64(s.Inputs)
	}
	fmt.Printf("inputs=%d stale=%d (%.1f%%) discarded=%d\n", s.Inputs, s.Stale, stalePct, s.Discarded)

	ids := make([]uint64, 0, len(s.PerClient))
	for id := range s.PerClient {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Printf("  client %d inputs=%d\n", id, s.PerClient[id])
	}
}

func printDump(path string, entityID uint64) error {
	h, err := snapshot.ReadHeader(path)
	if err != nil {
		return err
	}
	fmt.Printf("dump v%d world=%s run=%s tick=%d frames=%d\n", h.Version, h.WorldID, h.RunID, h.Tick, h.Frames)

	d, err := snapshot.ReadDump(path)
	if err != nil {
		return err
	}
	fmt.Printf("tick_rate=%d retention_ms=%d cell_size=%g\n", d.TickRate, d.RetentionMs, d.CellSize)
	for _, f := range d.Frames {
		if entityID == 0 {
			fmt.Printf("  tick=%d at_ms=%d entities=%d\n", f.Tick, f.AtMs, len(f.Entities))
			continue
		}
		for _, e := range f.Entities {
			if e.ID == entityID {
				fmt.Printf("  tick=%d pos=%v vel=%v\n", f.Tick, e.Position, e.Velocity)
			}
		}
	}
	return nil
}
