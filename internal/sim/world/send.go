package world

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/delta"
	"worldsync.io/internal/sim/entity"
)

// cachedRecord is a full-state record encoded once per tick and shared by
// every client that needs it.
type cachedRecord struct {
	tick  uint64
	state entity.State
	enc   []byte
}

// recordCacheBytes bounds the encoded records kept across clients.
const recordCacheBytes = 1 << 20

type sendResult struct {
	packets int
	bytes   int
	dropped int
	skipped int
}

// sendTo encodes and enqueues at most one ENTITY_UPDATE packet for c.
// Tombstones go first; records that do not fit the byte budget, or cannot
// be encoded, are skipped without advancing the client's cache.
func (w *World) sendTo(c *client, tick uint64, now time.Time) sendResult {
	var res sendResult

	tombs := make([]uint64, 0, len(c.tombstones))
	for id := range c.tombstones {
		tombs = append(tombs, id)
	}
	sort.Slice(tombs, func(i, j int) bool { return tombs[i] < tombs[j] })

	deltas := delta.Plan(c.view.VisibleIDs(), tombs, w.store.State, c.cache, w.cfg.Epsilon)
	if len(deltas) == 0 {
		return res
	}

	pw := protocol.NewUpdateWriter(tick, now.UnixMilli(), w.cfg.MaxPacketBytes)
	written := make([]delta.EntityDelta, 0, len(deltas))
	for _, d := range deltas {
		var err error
		if !d.Removed && d.Fields == delta.FieldsAll {
			var enc []byte
			if enc, err = w.encodedFull(d, tick); err == nil {
				err = pw.AppendEncoded(enc)
			}
		} else {
			err = pw.Append(toRecord(d))
		}
		if err != nil {
			res.skipped++
			w.log.WithError(err).WithFields(logrus.Fields{"client": c.sess.ID, "tick": tick}).Debug("record skipped")
			continue
		}
		written = append(written, d)
	}
	if pw.Count() == 0 {
		return res
	}

	b := pw.Bytes()
	if !trySend(c.sess.Out, b) {
		// The client never sees this packet, so its cache must not advance.
		// Starting over from full state keeps later deltas correct.
		res.dropped++
		c.cache.Reset()
		if !c.dropping {
			c.dropping = true
			w.log.WithFields(logrus.Fields{"client": c.sess.ID, "tick": tick, "queue": cap(c.sess.Out)}).
				Warn("outbound queue full, dropping packets")
		}
		return res
	}
	c.dropping = false
	for _, d := range written {
		c.cache.Commit(d)
		if d.Removed {
			delete(c.tombstones, d.EntityID)
		}
	}
	res.packets = 1
	res.bytes = len(b)
	return res
}

// encodedFull returns the wire bytes of a full-state record, encoding them
// at most once per entity and tick.
func (w *World) encodedFull(d delta.EntityDelta, tick uint64) ([]byte, error) {
	if cr, ok := w.records.Get(d.EntityID); ok && cr.tick == tick && cr.state == d.State {
		return cr.enc, nil
	}
	enc, err := protocol.AppendRecord(make([]byte, 0, protocol.MaxRecordSize), toRecord(d))
	if err != nil {
		return nil, err
	}
	w.records.Set(d.EntityID, cachedRecord{tick: tick, state: d.State, enc: enc}, int64(len(enc)))
	return enc, nil
}

// toRecord converts a delta to its wire record.
func toRecord(d delta.EntityDelta) protocol.Record {
	if d.Removed {
		return protocol.Record{EntityID: d.EntityID, Flags: protocol.FlagRemoved}
	}
	r := protocol.Record{EntityID: d.EntityID}
	st := d.State
	if d.Fields&delta.FieldPosition != 0 {
		r.Flags |= protocol.FlagPosition
		r.Position = [3]float32{float32(st.Position[0]), float32(st.Position[1]), float32(st.Position[2])}
	}
	if d.Fields&delta.FieldRotation != 0 {
		r.Flags |= protocol.FlagRotation
		q := st.Rotation
		r.Rotation = [4]float32{float32(q.V[0]), float32(q.V[1]), float32(q.V[2]), float32(q.W)}
	}
	if d.Fields&delta.FieldVelocity != 0 {
		r.Flags |= protocol.FlagVelocity
		r.Velocity = [3]float32{float32(st.Velocity[0]), float32(st.Velocity[1]), float32(st.Velocity[2])}
	}
	return r
}

// trySend enqueues b without blocking.
func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}
