package protocol

import "errors"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session admission.
	ErrServerFull    = "E_SERVER_FULL"
	ErrServerStopped = "E_SERVER_STOPPED"

	// Input handling.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrStale     = "E_STALE"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrServerFull:      {},
	ErrServerStopped:   {},
	ErrRateLimit:       {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var (
	ErrRecordTooLarge = errors.New("record does not fit in packet")
	ErrNonFinite      = errors.New("non-finite value in record")
	ErrShortBuffer    = errors.New("short buffer")
	ErrUnknownMessage = errors.New("unknown message type")
)
