package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"worldsync.io/internal/protocol"
)

func TestDefaultsAreValid(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if d.TickPeriod() != 50*time.Millisecond || d.SendEvery() != 1 {
		t.Fatalf("period=%s sendEvery=%d", d.TickPeriod(), d.SendEvery())
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := "tick_rate_hz: 30\nclient_update_rate_hz: 10\nepsilon:\n  position: 0.02\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TickRateHz != 30 || got.SendEvery() != 3 {
		t.Fatalf("tick=%d every=%d", got.TickRateHz, got.SendEvery())
	}
	if got.Epsilon.Position != 0.02 || got.Epsilon.Velocity != 0.05 {
		t.Fatalf("epsilon=%+v", got.Epsilon)
	}
	if got.MaxClients != 1000 {
		t.Fatalf("max_clients=%d want default", got.MaxClients)
	}
}

func TestValidate_RetentionMustCoverRTT(t *testing.T) {
	d := Defaults()
	d.SnapshotRetentionMs = 420
	err := d.Validate()
	if err == nil || !strings.Contains(err.Error(), "snapshot_retention_ms") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	d := Defaults()
	d.MaxClients = 0
	d.ZoneCellSize = -1
	d.Epsilon.Velocity = 0
	err := d.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"max_clients", "zone_cell_size", "epsilon"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q missing %s", err, key)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	_ = os.WriteFile(path, []byte("tick_rate_hz: [\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate_PacketBudgetFitsFullRecord(t *testing.T) {
	d := Defaults()
	d.MaxPacketBytes = protocol.MinPacketBytes
	if err := d.Validate(); err != nil {
		t.Fatalf("minimum budget rejected: %v", err)
	}
	for _, n := range []int{protocol.MinPacketBytes - 1, 64, 0} {
		d.MaxPacketBytes = n
		err := d.Validate()
		if err == nil || !strings.Contains(err.Error(), "max_packet_bytes") {
			t.Fatalf("budget %d: err=%v", n, err)
		}
	}
}

func TestSendInterval(t *testing.T) {
	cases := []struct {
		tick, update int
		want         uint64
	}{
		{20, 20, 1},
		{20, 10, 2},
		{30, 10, 3},
		{20, 0, 1},
		{20, 40, 1},
	}
	for _, c := range cases {
		if got := SendInterval(c.tick, c.update); got != c.want {
			t.Fatalf("SendInterval(%d,%d)=%d want %d", c.tick, c.update, got, c.want)
		}
	}
}
