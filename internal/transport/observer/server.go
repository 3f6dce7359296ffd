package observer

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/observerproto"
	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/world"
)

const (
	defaultInterval = time.Second
	minInterval     = 100 * time.Millisecond
	maxInterval     = 10 * time.Second
)

// Server streams world metrics to loopback admin tooling.
type Server struct {
	world *world.World
	log   logrus.FieldLogger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Server{
		world: w,
		log:   log.WithField("component", "observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.world.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			WorldID:         cfg.ID,
			RunID:           cfg.RunID,
			Tick:            s.world.CurrentTick(),
			WorldParams: protocol.WorldParams{
				TickRateHz:         cfg.TickRateHz,
				ClientUpdateRateHz: cfg.ClientUpdateRateHz,
				InterestRadius:     cfg.InterestRadius,
				ZoneCellSize:       cfg.ZoneCellSize,
				MaxPacketBytes:     cfg.MaxPacketBytes,
			},
			MaxClients:  cfg.MaxClients,
			RetentionMs: cfg.Retention.Milliseconds(),
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		interval, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		s.log.WithField("interval", interval).Debug("observer subscribed")

		// Reader: interval updates; a read error ends the stream.
		updates := make(chan time.Duration, 1)
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				iv, ok := parseSubscribe(msg)
				if !ok {
					continue
				}
				select {
				case updates <- iv:
				default:
					// Drop updates under load; the client may resend.
				}
			}
		}()

		if err := s.push(conn); err != nil {
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-readDone:
				return
			case <-s.world.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "world stopped"), time.Now().Add(time.Second))
				return
			case iv := <-updates:
				t.Reset(iv)
			case <-t.C:
				if err := s.push(conn); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) push(conn *websocket.Conn) error {
	m := s.world.Metrics()
	if m.Tick == 0 {
		m.Tick = s.world.CurrentTick()
	}
	b, err := json.Marshal(observerproto.MetricsMsg{
		Type:            observerproto.TypeMetrics,
		ProtocolVersion: observerproto.Version,
		WorldID:         s.world.Config().ID,
		ServerTimeMs:    time.Now().UnixMilli(),
		Metrics:         m,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func parseSubscribe(msg []byte) (time.Duration, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return 0, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return 0, false
	}
	return clampInterval(time.Duration(sub.IntervalMs) * time.Millisecond), true
}

func clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultInterval
	}
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
