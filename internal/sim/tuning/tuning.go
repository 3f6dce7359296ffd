package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"worldsync.io/internal/protocol"
)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	ClientUpdateRateHz int `yaml:"client_update_rate_hz"`
	MaxClients         int `yaml:"max_clients"`

	InterestRadius float64 `yaml:"interest_radius"`
	ZoneCellSize   float64 `yaml:"zone_cell_size"`

	Epsilon Epsilon `yaml:"epsilon"`

	MaxExpectedRTTMs    int `yaml:"max_expected_rtt_ms"`
	SnapshotRetentionMs int `yaml:"snapshot_retention_ms"`
	IdleAfterMs         int `yaml:"idle_after_ms"`

	MaxPacketBytes int `yaml:"max_packet_bytes"`
	OutboundQueue  int `yaml:"outbound_queue"`
	InputQueue     int `yaml:"input_queue"`

	MoveSpeed          float64 `yaml:"move_speed"`
	SnapshotEveryTicks int     `yaml:"snapshot_every_ticks"`

	LogLevel string `yaml:"log_level"`
}

type Epsilon struct {
	Position    float64 `yaml:"position"`
	RotationRad float64 `yaml:"rotation_rad"`
	Velocity    float64 `yaml:"velocity"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		ClientUpdateRateHz: 20,
		MaxClients:         1000,
		InterestRadius:     10,
		ZoneCellSize:       10,
		Epsilon: Epsilon{
			Position:    0.01,
			RotationRad: 0.01,
			Velocity:    0.05,
		},
		MaxExpectedRTTMs:    400,
		SnapshotRetentionMs: 500,
		IdleAfterMs:         30_000,
		MaxPacketBytes:      1200,
		OutboundQueue:       32,
		InputQueue:          256,
		MoveSpeed:           5,
		LogLevel:            "info",
	}
}

// Load reads path over Defaults, so keys missing from the file keep their
// default values, and validates the result.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) TickPeriod() time.Duration {
	if t.TickRateHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) Retention() time.Duration {
	return time.Duration(t.SnapshotRetentionMs) * time.Millisecond
}

func (t Tuning) MaxExpectedRTT() time.Duration {
	return time.Duration(t.MaxExpectedRTTMs) * time.Millisecond
}

func (t Tuning) IdleAfter() time.Duration {
	return time.Duration(t.IdleAfterMs) * time.Millisecond
}

// SendEvery is the number of ticks between outbound updates.
func (t Tuning) SendEvery() uint64 { return SendInterval(t.TickRateHz, t.ClientUpdateRateHz) }

// SendInterval converts a client update rate into a tick stride. Rates at or
// above the tick rate, and unset rates, send every tick.
func SendInterval(tickRateHz, updateRateHz int) uint64 {
	if updateRateHz <= 0 || updateRateHz >= tickRateHz {
		return 1
	}
	return uint64(tickRateHz / updateRateHz)
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0 (got %d)", t.TickRateHz))
	}
	if t.ClientUpdateRateHz <= 0 || t.ClientUpdateRateHz > t.TickRateHz {
		errs = append(errs, fmt.Errorf("client_update_rate_hz must be in (0, tick_rate_hz] (got %d)", t.ClientUpdateRateHz))
	}
	if t.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max_clients must be > 0 (got %d)", t.MaxClients))
	}
	if t.InterestRadius <= 0 {
		errs = append(errs, fmt.Errorf("interest_radius must be > 0 (got %g)", t.InterestRadius))
	}
	if t.ZoneCellSize <= 0 {
		errs = append(errs, fmt.Errorf("zone_cell_size must be > 0 (got %g)", t.ZoneCellSize))
	}
	if t.Epsilon.Position <= 0 || t.Epsilon.RotationRad <= 0 || t.Epsilon.Velocity <= 0 {
		errs = append(errs, errors.New("epsilon tolerances must all be > 0"))
	}
	if t.MaxPacketBytes < protocol.MinPacketBytes {
		errs = append(errs, fmt.Errorf("max_packet_bytes must be >= %d to fit one full-state record (got %d)", protocol.MinPacketBytes, t.MaxPacketBytes))
	}
	if t.TickRateHz > 0 && t.Retention() < t.MaxExpectedRTT()+t.TickPeriod() {
		errs = append(errs, fmt.Errorf("snapshot_retention_ms (%d) must cover max_expected_rtt_ms (%d) plus one tick (%s)",
			t.SnapshotRetentionMs, t.MaxExpectedRTTMs, t.TickPeriod()))
	}
	return errors.Join(errs...)
}
