package observerproto

import (
	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/world"
)

// Version is the observer protocol version (separate from the client WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeMetrics   = "METRICS"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to change the interval.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMs      int    `json:"interval_ms"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	WorldID         string               `json:"world_id"`
	RunID           string               `json:"run_id,omitempty"`
	Tick            uint64               `json:"tick"`
	WorldParams     protocol.WorldParams `json:"world_params"`
	MaxClients      int                  `json:"max_clients"`
	RetentionMs     int64                `json:"retention_ms"`
}

// Server -> Client. Sent every subscription interval.
type MetricsMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	WorldID         string             `json:"world_id"`
	ServerTimeMs    int64              `json:"server_time_ms"`
	Metrics         world.WorldMetrics `json:"metrics"`
}
