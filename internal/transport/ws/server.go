package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/reconcile"
	"worldsync.io/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	maxQueueCap      = 256
)

type Server struct {
	world     *world.World
	validator *protocol.Validator
	log       logrus.FieldLogger

	upgrader websocket.Upgrader

	// PingEvery controls RTT probing. Zero disables it.
	PingEvery time.Duration
}

func NewServer(w *world.World, v *protocol.Validator, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Server{
		world:     w,
		validator: v,
		log:       log.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		PingEvery: 2 * time.Second,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, binaryInput := s.handshake(r.Context(), conn, r.RemoteAddr)
		if sess == nil {
			return
		}
		log := s.log.WithFields(logrus.Fields{"client": sess.ID, "remote": r.RemoteAddr})
		log.WithField("binary_input", binaryInput).Info("client connected")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Control replies produced by the reader go out through the writer so
		// the connection only ever has one writer.
		notices := make(chan []byte, 4)

		conn.SetPongHandler(func(appData string) error {
			if len(appData) == 8 {
				sent := int64(binary.LittleEndian.Uint64([]byte(appData)))
				if rtt := time.Since(time.Unix(0, sent)); rtt >= 0 {
					sess.ReportRTT(rtt)
				}
			}
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})

		// Writer goroutine.
		go func() {
			var ping <-chan time.Time
			if s.PingEvery > 0 {
				t := time.NewTicker(s.PingEvery)
				defer t.Stop()
				ping = t.C
			}
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.Out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				case b := <-notices:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				case now := <-ping:
					var payload [8]byte
					binary.LittleEndian.PutUint64(payload[:], uint64(now.UnixNano()))
					if err := conn.WriteControl(websocket.PingMessage, payload[:], time.Now().Add(writeTimeout)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		var clock clockSync
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			recv := time.Now()
			sess.AddBytesReceived(len(msg))

			m, err := s.decodeInput(kind, msg)
			if err != nil {
				log.WithError(err).Debug("input rejected")
				notify(notices, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
				continue
			}
			clock.observe(m.TimestampMs, recv)
			m.TimestampMs = clock.serverMs(m.TimestampMs, sess.RTT())
			if err := sess.Enqueue(ToInput(m, recv)); err != nil {
				if errors.Is(err, world.ErrInputQueueFull) {
					notify(notices, protocol.NewError(protocol.ErrRateLimit, "input queue full"))
					continue
				}
				break
			}
		}

		// Cleanup.
		s.world.Disconnect(sess.ID)
		log.Info("client disconnected")
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, remote string) (*world.Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil, false
	}
	if err := s.validator.Validate(protocol.TypeHello, msg); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil, false
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	var out chan []byte
	if q := hello.MaxQueue; q > 0 {
		if q > maxQueueCap {
			q = maxQueueCap
		}
		out = make(chan []byte, q)
	}
	info := world.ConnectionInfo{Name: hello.ClientName, Remote: remote, SpawnAvatar: true}
	if hello.Spawn != nil {
		info.Position = mgl64.Vec3(*hello.Spawn)
	}

	cctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	sess, err := s.world.Connect(cctx, 0, info, out)
	if err != nil {
		switch {
		case errors.Is(err, world.ErrAtCapacity):
			s.reject(conn, protocol.ErrServerFull, "server full")
		case errors.Is(err, world.ErrStopped):
			s.reject(conn, protocol.ErrServerStopped, "server stopped")
		default:
			s.log.WithError(err).Warn("connect failed")
			s.reject(conn, protocol.ErrInternal, "connect failed")
		}
		return nil, false
	}

	cfg := s.world.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		ClientID:        sess.ID,
		EntityID:        sess.EntityID,
		ServerTimeMs:    time.Now().UnixMilli(),
		WorldParams: protocol.WorldParams{
			TickRateHz:         cfg.TickRateHz,
			ClientUpdateRateHz: cfg.ClientUpdateRateHz,
			InterestRadius:     cfg.InterestRadius,
			ZoneCellSize:       cfg.ZoneCellSize,
			MaxPacketBytes:     cfg.MaxPacketBytes,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.world.Disconnect(sess.ID)
		return nil, false
	}
	return sess, hello.BinaryInput
}

// decodeInput accepts INPUT as a JSON text frame or a msgpack binary frame.
func (s *Server) decodeInput(kind int, msg []byte) (protocol.InputMsg, error) {
	var m protocol.InputMsg
	switch kind {
	case websocket.BinaryMessage:
		v, err := protocol.DecodeInputBinary(msg)
		if err != nil {
			return protocol.InputMsg{}, err
		}
		m = v
	case websocket.TextMessage:
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			return protocol.InputMsg{}, err
		}
		if base.Type != protocol.TypeInput {
			return protocol.InputMsg{}, protocol.ErrUnknownMessage
		}
		if err := s.validator.Validate(protocol.TypeInput, msg); err != nil {
			return protocol.InputMsg{}, err
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.InputMsg{}, err
		}
	default:
		return protocol.InputMsg{}, protocol.ErrUnknownMessage
	}
	if m.ProtocolVersion != protocol.Version {
		return protocol.InputMsg{}, errors.New("bad protocol_version")
	}
	return m, nil
}

// ToInput converts a wire INPUT whose timestamp is already on the server
// clock. Timestamps from the future are clamped to now so a client cannot
// rewind forward.
func ToInput(m protocol.InputMsg, now time.Time) reconcile.Input {
	ts := time.UnixMilli(m.TimestampMs)
	if ts.After(now) {
		ts = now
	}
	return reconcile.Input{
		Seq:       m.Seq,
		Timestamp: ts,
		Move:      mgl64.Vec3(m.Move),
		Facing:    m.Facing,
		Buttons:   m.Buttons,
	}
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.NewError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func notify(ch chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case ch <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
