package ws

import (
	"testing"
	"time"
)

func TestClockSync_SlowClientIsShiftedOntoServerClock(t *testing.T) {
	var c clockSync
	server := time.UnixMilli(5_000_000)
	const skew = 3 * time.Second // client clock runs 3s behind
	const oneWay = 40 * time.Millisecond

	// Inputs sent every 50ms with 0..20ms of queuing jitter.
	var last int64
	for i := 0; i < 10; i++ {
		sent := server.Add(time.Duration(i) * 50 * time.Millisecond)
		clientMs := sent.Add(-skew).UnixMilli()
		jitter := time.Duration(i%3) * 10 * time.Millisecond
		c.observe(clientMs, sent.Add(oneWay+jitter))
		last = clientMs
	}
	got := c.serverMs(last, 2*oneWay)
	want := server.Add(9 * 50 * time.Millisecond).UnixMilli()
	if got != want {
		t.Fatalf("serverMs=%d want %d (diff %dms)", got, want, got-want)
	}
}

func TestClockSync_NoSamplesPassesThrough(t *testing.T) {
	var c clockSync
	if got := c.serverMs(1234, time.Second); got != 1234 {
		t.Fatalf("got %d", got)
	}
}

func TestClockSync_FollowsDriftAcrossWindows(t *testing.T) {
	var c clockSync
	base := time.UnixMilli(10_000_000)
	for i := 0; i < clockWindow; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		c.observe(at.Add(-time.Second).UnixMilli(), at)
	}
	if c.offset != time.Second {
		t.Fatalf("offset=%v", c.offset)
	}
	// The client clock jumps 500ms closer; a full window moves the estimate.
	for i := 0; i < clockWindow; i++ {
		at := base.Add(time.Second + time.Duration(i)*time.Millisecond)
		c.observe(at.Add(-500*time.Millisecond).UnixMilli(), at)
	}
	if c.offset != 500*time.Millisecond {
		t.Fatalf("offset after drift=%v", c.offset)
	}
	// A faster sample inside a window lowers the estimate at once.
	at := base.Add(2 * time.Second)
	c.observe(at.Add(-200*time.Millisecond).UnixMilli(), at)
	if c.offset != 200*time.Millisecond {
		t.Fatalf("offset after fast sample=%v", c.offset)
	}
}
