package stats

import (
	"testing"
	"time"
)

func TestWindow_RollsOff(t *testing.T) {
	w := NewWindow(10, 30)
	w.Record(0, Bucket{BytesSent: 100, Ticks: 1})
	w.Record(15, Bucket{BytesSent: 50, Ticks: 1})
	if got := w.Summarize(20).BytesSent; got != 150 {
		t.Fatalf("sum=%d want 150", got)
	}
	// Tick 30 starts a fourth bucket, pushing out the one holding tick 0.
	if got := w.Summarize(30).BytesSent; got != 50 {
		t.Fatalf("sum=%d want 50", got)
	}
	if got := w.Summarize(500).BytesSent; got != 0 {
		t.Fatalf("sum after long gap=%d want 0", got)
	}
	w.Record(505, Bucket{Packets: 3})
	if got := w.Summarize(509).Packets; got != 3 {
		t.Fatalf("packets=%d want 3", got)
	}
}

func TestWindow_Nil(t *testing.T) {
	var w *Window
	w.Record(1, Bucket{Packets: 1})
	if w.Summarize(1).Packets != 0 || w.WindowTicks() != 0 {
		t.Fatalf("nil window should be inert")
	}
}

func TestRate(t *testing.T) {
	if got := Rate(40, 20, 50*time.Millisecond); got != 40 {
		t.Fatalf("rate=%f want 40", got)
	}
	if Rate(1, 0, time.Second) != 0 {
		t.Fatalf("zero ticks should give zero rate")
	}
}

func TestRTT_Smooths(t *testing.T) {
	var r RTT
	r.Observe(80 * time.Millisecond)
	if r.Get() != 80*time.Millisecond {
		t.Fatalf("first sample should seed, got %v", r.Get())
	}
	r.Observe(160 * time.Millisecond)
	if r.Get() != 90*time.Millisecond {
		t.Fatalf("smoothed=%v want 90ms", r.Get())
	}
	r.Observe(-time.Second)
	if r.Get() != 90*time.Millisecond {
		t.Fatalf("negative sample should be ignored")
	}
}
