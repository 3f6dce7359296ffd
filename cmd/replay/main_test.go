package main

import (
	"testing"

	persistlog "worldsync.io/internal/persistence/log"
	"worldsync.io/internal/sim/world"
)

func TestSummarizeTicks(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewTickLogger(dir)
	for i := uint64(0); i < 6; i++ {
		e := world.TickLogEntry{Tick: i, RunID: "r1", Packets: 1, Bytes: 100, Clients: int(i)}
		if i == 0 {
			e.Connects = []world.RecordedConnect{{ClientID: 1}}
		}
		if i == 2 {
			e.Inputs = []world.RecordedInput{{ClientID: 1, Applied: true}, {ClientID: 1, Stale: true, Applied: true}, {ClientID: 2}}
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := persistlog.Segments(dir)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}

	s, err := summarizeTicks(files, 0, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Ticks != 6 || s.Packets != 6 || s.Bytes != 600 || s.Connects != 1 || s.MaxClients != 5 {
		t.Fatalf("summary=%+v", s)
	}
	if s.Inputs != 3 || s.Stale != 1 || s.Discarded != 1 || s.PerClient[1] != 2 {
		t.Fatalf("inputs=%+v", s)
	}

	s, err = summarizeTicks(files, 2, 3)
	if err != nil {
		t.Fatalf("summarize range: %v", err)
	}
	if s.Ticks != 2 || s.FirstTick != 2 || s.LastTick != 3 || s.Connects != 0 {
		t.Fatalf("ranged=%+v", s)
	}
}
