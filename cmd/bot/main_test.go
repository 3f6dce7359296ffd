package main

import (
	"testing"

	"worldsync.io/internal/protocol"
)

func encode(t *testing.T, tick uint64, recs ...protocol.Record) []byte {
	t.Helper()
	w := protocol.NewUpdateWriter(tick, 0, 1200)
	for _, r := range recs {
		if err := w.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return w.Bytes()
}

func TestViewMergesPartialRecords(t *testing.T) {
	v := newView()
	full := protocol.Record{
		EntityID: 7,
		Flags:    protocol.FlagPosition | protocol.FlagRotation | protocol.FlagVelocity,
		Position: [3]float32{1, 2, 3},
		Rotation: [4]float32{0, 0, 0, 1},
		Velocity: [3]float32{1, 0, 0},
	}
	if err := v.apply(encode(t, 1, full)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := v.apply(encode(t, 2, protocol.Record{EntityID: 7, Flags: protocol.FlagPosition, Position: [3]float32{4, 5, 6}})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := v.entities[7]
	if got.Position != [3]float32{4, 5, 6} || got.Velocity != [3]float32{1, 0, 0} || got.Rotation[3] != 1 {
		t.Fatalf("merged=%+v", got)
	}
	if v.tick != 2 || v.packets != 2 {
		t.Fatalf("tick=%d packets=%d", v.tick, v.packets)
	}

	if err := v.apply(encode(t, 3, protocol.Record{EntityID: 7, Flags: protocol.FlagRemoved})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := v.entities[7]; ok {
		t.Fatalf("tombstone did not remove entity")
	}
}

func TestViewRejectsGarbage(t *testing.T) {
	if err := newView().apply([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected decode error")
	}
}
