package main

import (
	"context"
	"encoding/json"
	"flag"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "client name")
		inputHz  = flag.Int("input_hz", 10, "inputs per second")
		binary   = flag.Bool("binary", true, "send msgpack binary inputs")
		duration = flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random walk seed")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("bot", *name)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, *duration)
		defer c()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		entry.WithError(err).Fatal("dial")
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		MaxQueue:        32,
		BinaryInput:     *binary,
	}
	if err := conn.WriteJSON(hello); err != nil {
		entry.WithError(err).Fatal("send HELLO")
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		entry.WithError(err).Fatal("read WELCOME")
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		entry.WithField("msg", string(msg)).Fatal("handshake rejected")
	}
	entry = entry.WithField("client", welcome.ClientID)
	entry.WithFields(logrus.Fields{
		"entity":  welcome.EntityID,
		"tick_hz": welcome.WorldParams.TickRateHz,
		"radius":  welcome.WorldParams.InterestRadius,
	}).Info("WELCOME")

	go sendInputs(ctx, conn, entry, *inputHz, *binary, rand.New(rand.NewSource(*seed)))

	v := newView()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			entry.WithFields(logrus.Fields{"visible": len(v.entities), "received": humanize.Bytes(v.bytes)}).Info("disconnected")
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := v.apply(msg); err != nil {
				entry.WithError(err).Warn("bad ENTITY_UPDATE")
			}
		case websocket.TextMessage:
			var e protocol.ErrorMsg
			if json.Unmarshal(msg, &e) == nil && e.Type == protocol.TypeError {
				entry.WithFields(logrus.Fields{"code": e.Code, "message": e.Message}).Warn("server error")
			}
		}
		select {
		case <-report.C:
			self := v.entities[welcome.EntityID]
			entry.WithFields(logrus.Fields{
				"tick":     v.tick,
				"visible":  len(v.entities),
				"packets":  v.packets,
				"received": humanize.Bytes(v.bytes),
				"pos":      self.Position,
			}).Info("status")
		default:
		}
	}
}

// view mirrors what the server has told this client about the world.
type view struct {
	entities map[uint64]protocol.Record
	tick     uint64
	packets  uint64
	bytes    uint64
}

func newView() *view { return &view{entities: map[uint64]protocol.Record{}} }

func (v *view) apply(b []byte) error {
	u, err := protocol.DecodeUpdate(b)
	if err != nil {
		return err
	}
	v.tick = u.Tick
	v.packets++
	v.bytes += uint64(len(b))
	for _, r := range u.Records {
		if r.Removed() {
			delete(v.entities, r.EntityID)
			continue
		}
		cur := v.entities[r.EntityID]
		cur.EntityID = r.EntityID
		cur.Flags |= r.Flags
		if r.Flags&protocol.FlagPosition != 0 {
			cur.Position = r.Position
		}
		if r.Flags&protocol.FlagRotation != 0 {
			cur.Rotation = r.Rotation
		}
		if r.Flags&protocol.FlagVelocity != 0 {
			cur.Velocity = r.Velocity
		}
		v.entities[r.EntityID] = cur
	}
	return nil
}

// sendInputs random-walks the avatar, turning every couple of seconds.
func sendInputs(ctx context.Context, conn *websocket.Conn, log logrus.FieldLogger, hz int, binary bool, r *rand.Rand) {
	if hz <= 0 {
		hz = 10
	}
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()

	var seq uint32
	heading := r.Float64() * 2 * math.Pi
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			seq++
			if seq%uint32(2*hz) == 0 {
				heading += (r.Float64() - 0.5) * math.Pi
			}
			in := protocol.InputMsg{
				Type:            protocol.TypeInput,
				ProtocolVersion: protocol.Version,
				Seq:             seq,
				TimestampMs:     now.UnixMilli(),
				Move:            [3]float64{math.Cos(heading), 0, math.Sin(heading)},
				Facing:          heading,
			}
			var err error
			if binary {
				var b []byte
				if b, err = protocol.EncodeInputBinary(in); err == nil {
					err = conn.WriteMessage(websocket.BinaryMessage, b)
				}
			} else {
				err = conn.WriteJSON(in)
			}
			if err != nil {
				log.WithError(err).Debug("input send failed")
				return
			}
		}
	}
}
