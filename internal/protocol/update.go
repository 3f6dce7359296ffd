package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Binary message types (first byte of a binary frame sent by the server).
const (
	MsgEntityUpdate byte = 1
)

// Record flags.
const (
	FlagPosition uint8 = 1 << 0
	FlagRotation uint8 = 1 << 1
	FlagVelocity uint8 = 1 << 2
	FlagRemoved  uint8 = 1 << 7

	fieldMask = FlagPosition | FlagRotation | FlagVelocity
)

// HeaderSize is type(1) + tick(8) + timestamp ms(8) + count(2).
const HeaderSize = 1 + 8 + 8 + 2

const maxRecords = math.MaxUint16

// MaxRecordSize is the encoded size of a record carrying every field.
const MaxRecordSize = 8 + 1 + 12 + 16 + 12

// MinPacketBytes is the smallest packet budget that still fits one
// full-state record.
const MinPacketBytes = HeaderSize + MaxRecordSize

// Record is one EntityUpdate. Only the fields selected by Flags are encoded;
// a record with FlagRemoved carries no payload.
type Record struct {
	EntityID uint64
	Flags    uint8
	Position [3]float32
	Rotation [4]float32 // x, y, z, w
	Velocity [3]float32
}

func (r Record) Removed() bool { return r.Flags&FlagRemoved != 0 }

// RecordSize returns the encoded size of a record with flags.
func RecordSize(flags uint8) int {
	n := 8 + 1
	if flags&FlagRemoved != 0 {
		return n
	}
	if flags&FlagPosition != 0 {
		n += 12
	}
	if flags&FlagRotation != 0 {
		n += 16
	}
	if flags&FlagVelocity != 0 {
		n += 12
	}
	return n
}

// Update is a decoded ENTITY_UPDATE packet.
type Update struct {
	Tick        uint64
	TimestampMs int64
	Records     []Record
}

// UpdateWriter builds one ENTITY_UPDATE packet no larger than a byte budget.
type UpdateWriter struct {
	buf   []byte
	count int
	max   int
}

// NewUpdateWriter starts a packet. maxBytes <= 0 means unbounded.
func NewUpdateWriter(tick uint64, timestampMs int64, maxBytes int) *UpdateWriter {
	w := &UpdateWriter{max: maxBytes}
	w.Reset(tick, timestampMs)
	return w
}

// Reset discards any records and starts a new packet.
func (w *UpdateWriter) Reset(tick uint64, timestampMs int64) {
	if cap(w.buf) < HeaderSize {
		w.buf = make([]byte, HeaderSize, 512)
	}
	w.buf = w.buf[:HeaderSize]
	w.buf[0] = MsgEntityUpdate
	binary.LittleEndian.PutUint64(w.buf[1:], tick)
	binary.LittleEndian.PutUint64(w.buf[9:], uint64(timestampMs))
	binary.LittleEndian.PutUint16(w.buf[17:], 0)
	w.count = 0
}

func (w *UpdateWriter) Count() int { return w.count }
func (w *UpdateWriter) Len() int   { return len(w.buf) }

// Fits reports whether a record with flags would fit in the remaining budget.
func (w *UpdateWriter) Fits(flags uint8) bool {
	if w.count >= maxRecords {
		return false
	}
	return w.max <= 0 || len(w.buf)+RecordSize(flags) <= w.max
}

// Append adds r. On error the packet is unchanged.
func (w *UpdateWriter) Append(r Record) error {
	r.Flags = normalizeFlags(r.Flags)
	if !w.Fits(r.Flags) {
		return fmt.Errorf("entity %d (%d bytes): %w", r.EntityID, RecordSize(r.Flags), ErrRecordTooLarge)
	}
	b, err := AppendRecord(w.buf, r)
	if err != nil {
		return err
	}
	w.buf = b
	w.count++
	return nil
}

// AppendEncoded adds a record produced by AppendRecord. On error the packet
// is unchanged.
func (w *UpdateWriter) AppendEncoded(rec []byte) error {
	if len(rec) < 9 || len(rec) != RecordSize(rec[8]) {
		return fmt.Errorf("encoded record (%d bytes): %w", len(rec), ErrShortBuffer)
	}
	if w.count >= maxRecords || (w.max > 0 && len(w.buf)+len(rec) > w.max) {
		return fmt.Errorf("entity %d (%d bytes): %w", binary.LittleEndian.Uint64(rec), len(rec), ErrRecordTooLarge)
	}
	w.buf = append(w.buf, rec...)
	w.count++
	return nil
}

// AppendRecord encodes r onto b. A removed record carries no fields. On
// error b is returned unchanged.
func AppendRecord(b []byte, r Record) ([]byte, error) {
	r.Flags = normalizeFlags(r.Flags)
	if !r.finite() {
		return b, fmt.Errorf("entity %d: %w", r.EntityID, ErrNonFinite)
	}
	b = binary.LittleEndian.AppendUint64(b, r.EntityID)
	b = append(b, r.Flags)
	if r.Flags&FlagPosition != 0 {
		b = appendFloats(b, r.Position[:])
	}
	if r.Flags&FlagRotation != 0 {
		b = appendFloats(b, r.Rotation[:])
	}
	if r.Flags&FlagVelocity != 0 {
		b = appendFloats(b, r.Velocity[:])
	}
	return b, nil
}

func normalizeFlags(flags uint8) uint8 {
	if flags&FlagRemoved != 0 {
		return FlagRemoved
	}
	return flags & fieldMask
}

// Bytes returns a copy of the finished packet.
func (w *UpdateWriter) Bytes() []byte {
	binary.LittleEndian.PutUint16(w.buf[17:], uint16(w.count))
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

func (r Record) finite() bool {
	if r.Flags&FlagRemoved != 0 {
		return true
	}
	check := func(vs []float32) bool {
		for _, v := range vs {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
		return true
	}
	if r.Flags&FlagPosition != 0 && !check(r.Position[:]) {
		return false
	}
	if r.Flags&FlagRotation != 0 && !check(r.Rotation[:]) {
		return false
	}
	if r.Flags&FlagVelocity != 0 && !check(r.Velocity[:]) {
		return false
	}
	return true
}

func appendFloats(b []byte, vs []float32) []byte {
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// DecodeUpdate parses an ENTITY_UPDATE packet.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if len(b) < HeaderSize {
		return u, ErrShortBuffer
	}
	if b[0] != MsgEntityUpdate {
		return u, fmt.Errorf("type %d: %w", b[0], ErrUnknownMessage)
	}
	u.Tick = binary.LittleEndian.Uint64(b[1:])
	u.TimestampMs = int64(binary.LittleEndian.Uint64(b[9:]))
	n := int(binary.LittleEndian.Uint16(b[17:]))
	p := b[HeaderSize:]
	u.Records = make([]Record, 0, n)
	for i := 0; i < n; i++ {
		if len(p) < 9 {
			return u, fmt.Errorf("record %d: %w", i, ErrShortBuffer)
		}
		r := Record{EntityID: binary.LittleEndian.Uint64(p), Flags: p[8]}
		if len(p) < RecordSize(r.Flags) {
			return u, fmt.Errorf("record %d: %w", i, ErrShortBuffer)
		}
		p = p[9:]
		if !r.Removed() {
			if r.Flags&FlagPosition != 0 {
				p = readFloats(p, r.Position[:])
			}
			if r.Flags&FlagRotation != 0 {
				p = readFloats(p, r.Rotation[:])
			}
			if r.Flags&FlagVelocity != 0 {
				p = readFloats(p, r.Velocity[:])
			}
		}
		u.Records = append(u.Records, r)
	}
	return u, nil
}

func readFloats(p []byte, dst []float32) []byte {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	return p
}
