package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"worldsync.io/internal/sim/world"
)

func TestTickLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	for i := uint64(0); i < 5; i++ {
		e := world.TickLogEntry{Tick: i, TimeMs: int64(i) * 50, Clients: 2, Packets: int(i)}
		if i == 3 {
			e.Inputs = []world.RecordedInput{{ClientID: 1, Seq: 9, RewindTick: 1, Stale: true, Applied: true}}
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segs, err := Segments(dir)
	if err != nil || len(segs) != 1 {
		t.Fatalf("segments=%v err=%v", segs, err)
	}
	var got []world.TickLogEntry
	if err := ReadTicks(segs[0], func(e world.TickLogEntry) bool {
		got = append(got, e)
		return true
	}); err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if len(got) != 5 || got[4].Tick != 4 || got[4].Packets != 4 {
		t.Fatalf("got=%+v", got)
	}
	if len(got[3].Inputs) != 1 || !got[3].Inputs[0].Stale || got[3].Inputs[0].Seq != 9 {
		t.Fatalf("inputs=%+v", got[3].Inputs)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(filepath.Join(dir, "ticks"), "ticks")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(world.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(world.TickLogEntry{Tick: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Lines() != 2 {
		t.Fatalf("lines=%d", w.Lines())
	}

	segs, err := Segments(dir)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 || filepath.Base(segs[0]) != "ticks-2026-03-01-10.jsonl.zst" {
		t.Fatalf("segments=%v", segs)
	}
	n := 0
	if err := ReadTicks(segs[1], func(e world.TickLogEntry) bool {
		n++
		if e.Tick != 2 {
			t.Fatalf("tick=%d", e.Tick)
		}
		return true
	}); err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if n != 1 {
		t.Fatalf("n=%d", n)
	}
}

type failingLogger struct{ calls int }

func (f *failingLogger) WriteTick(world.TickLogEntry) error {
	f.calls++
	return errors.New("disk full")
}

func TestFanoutContinuesPastErrors(t *testing.T) {
	bad := &failingLogger{}
	second := &failingLogger{}
	err := Fanout{bad, nil, second}.WriteTick(world.TickLogEntry{Tick: 1})
	if err == nil || bad.calls != 1 || second.calls != 1 {
		t.Fatalf("err=%v calls=%d/%d", err, bad.calls, second.calls)
	}
}
