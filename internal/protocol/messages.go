package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`

	// Spawn is the requested avatar position; the server picks one if absent.
	Spawn *[3]float64 `json:"spawn,omitempty"`
	// MaxQueue bounds the outbound packet queue for this client.
	MaxQueue int `json:"max_queue,omitempty"`
	// BinaryInput announces that INPUT frames will be msgpack binary frames.
	BinaryInput bool `json:"binary_input,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id,omitempty"`
	ClientID        uint64      `json:"client_id"`
	EntityID        uint64      `json:"entity_id"`
	ServerTimeMs    int64       `json:"server_time_ms"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz         int     `json:"tick_rate_hz"`
	ClientUpdateRateHz int     `json:"client_update_rate_hz"`
	InterestRadius     float64 `json:"interest_radius"`
	ZoneCellSize       float64 `json:"zone_cell_size"`
	MaxPacketBytes     int     `json:"max_packet_bytes"`
}

// INPUT (client -> server), either as a JSON text frame or as a msgpack
// binary frame with the same field names.
type InputMsg struct {
	Type            string     `json:"type" msgpack:"type"`
	ProtocolVersion string     `json:"protocol_version" msgpack:"protocol_version"`
	Seq             uint32     `json:"seq" msgpack:"seq"`
	TimestampMs     int64      `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Move            [3]float64 `json:"move" msgpack:"move"`
	Facing          float64    `json:"facing" msgpack:"facing"`
	Buttons         uint32     `json:"buttons,omitempty" msgpack:"buttons,omitempty"`
}

// ERROR (server -> client), sent before the server closes a connection.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

// EncodeInputBinary packs an INPUT for a binary frame.
func EncodeInputBinary(m InputMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = TypeInput
	}
	if m.ProtocolVersion == "" {
		m.ProtocolVersion = Version
	}
	return msgpack.Marshal(&m)
}

// DecodeInputBinary unpacks an INPUT from a binary frame.
func DecodeInputBinary(b []byte) (InputMsg, error) {
	var m InputMsg
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Type != TypeInput {
		return m, ErrUnknownMessage
	}
	return m, nil
}
