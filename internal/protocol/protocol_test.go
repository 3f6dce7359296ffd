package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestUpdate_RoundTripWithPartialFields(t *testing.T) {
	w := NewUpdateWriter(42, 1_700_000_000_123, 0)
	if err := w.Append(Record{EntityID: 9, Flags: FlagRemoved, Position: [3]float32{1, 2, 3}}); err != nil {
		t.Fatalf("append tombstone: %v", err)
	}
	full := Record{
		EntityID: 1,
		Flags:    FlagPosition | FlagRotation | FlagVelocity,
		Position: [3]float32{5, 0, 0},
		Rotation: [4]float32{0, 0, 0, 1},
		Velocity: [3]float32{0.5, 0, -1},
	}
	if err := w.Append(full); err != nil {
		t.Fatalf("append full: %v", err)
	}
	if err := w.Append(Record{EntityID: 2, Flags: FlagVelocity, Velocity: [3]float32{1, 1, 1}}); err != nil {
		t.Fatalf("append vel: %v", err)
	}
	b := w.Bytes()
	want := HeaderSize + RecordSize(FlagRemoved) + RecordSize(full.Flags) + RecordSize(FlagVelocity)
	if len(b) != want {
		t.Fatalf("len=%d want %d", len(b), want)
	}

	u, err := DecodeUpdate(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Tick != 42 || u.TimestampMs != 1_700_000_000_123 || len(u.Records) != 3 {
		t.Fatalf("update=%+v", u)
	}
	if !u.Records[0].Removed() || u.Records[0].Position != ([3]float32{}) {
		t.Fatalf("tombstone must carry no payload: %+v", u.Records[0])
	}
	if u.Records[1] != full {
		t.Fatalf("full=%+v want %+v", u.Records[1], full)
	}
	if u.Records[2].Velocity != ([3]float32{1, 1, 1}) || u.Records[2].Position != ([3]float32{}) {
		t.Fatalf("partial=%+v", u.Records[2])
	}
}

func TestUpdate_BudgetRejectsWithoutMutation(t *testing.T) {
	budget := HeaderSize + RecordSize(allFields) + RecordSize(FlagRemoved)
	w := NewUpdateWriter(1, 0, budget)
	if err := w.Append(Record{EntityID: 1, Flags: allFields}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before := w.Len()
	err := w.Append(Record{EntityID: 2, Flags: FlagPosition})
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("err=%v want ErrRecordTooLarge", err)
	}
	if w.Len() != before || w.Count() != 1 {
		t.Fatalf("failed append mutated packet")
	}
	if err := w.Append(Record{EntityID: 3, Flags: FlagRemoved}); err != nil {
		t.Fatalf("tombstone should still fit: %v", err)
	}
}

const allFields = FlagPosition | FlagRotation | FlagVelocity

func TestMinPacketFitsOneFullRecord(t *testing.T) {
	if RecordSize(allFields) != MaxRecordSize {
		t.Fatalf("RecordSize(all)=%d MaxRecordSize=%d", RecordSize(allFields), MaxRecordSize)
	}
	w := NewUpdateWriter(1, 0, MinPacketBytes)
	if err := w.Append(Record{EntityID: 1, Flags: allFields, Rotation: [4]float32{0, 0, 0, 1}}); err != nil {
		t.Fatalf("full record must fit the minimum budget: %v", err)
	}
	w = NewUpdateWriter(1, 0, MinPacketBytes-1)
	if err := w.Append(Record{EntityID: 1, Flags: allFields}); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("err=%v want ErrRecordTooLarge", err)
	}
}

func TestAppendEncoded_MatchesAppend(t *testing.T) {
	full := Record{EntityID: 7, Flags: allFields, Position: [3]float32{1, 2, 3}, Rotation: [4]float32{0, 0, 0, 1}, Velocity: [3]float32{4, 5, 6}}
	enc, err := AppendRecord(nil, full)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	a := NewUpdateWriter(3, 9, 0)
	b := NewUpdateWriter(3, 9, 0)
	if err := a.Append(full); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.AppendEncoded(enc); err != nil {
		t.Fatalf("AppendEncoded: %v", err)
	}
	if string(a.Bytes()) != string(b.Bytes()) {
		t.Fatalf("encoded append differs from Append")
	}

	tight := NewUpdateWriter(3, 9, HeaderSize+len(enc)-1)
	if err := tight.AppendEncoded(enc); !errors.Is(err, ErrRecordTooLarge) || tight.Count() != 0 {
		t.Fatalf("err=%v count=%d", err, tight.Count())
	}
	if err := b.AppendEncoded(enc[:len(enc)-1]); !errors.Is(err, ErrShortBuffer) || b.Count() != 1 {
		t.Fatalf("truncated err=%v count=%d", err, b.Count())
	}
	if _, err := AppendRecord(nil, Record{EntityID: 1, Flags: FlagVelocity, Velocity: [3]float32{float32(math.NaN())}}); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("non-finite err=%v", err)
	}
}

func TestUpdate_NonFiniteRejected(t *testing.T) {
	w := NewUpdateWriter(1, 0, 0)
	err := w.Append(Record{EntityID: 1, Flags: FlagPosition, Position: [3]float32{float32(math.NaN()), 0, 0}})
	if !errors.Is(err, ErrNonFinite) || w.Count() != 0 {
		t.Fatalf("err=%v count=%d", err, w.Count())
	}
	// Non-finite data in an absent field is ignored.
	if err := w.Append(Record{EntityID: 1, Flags: FlagRotation, Rotation: [4]float32{0, 0, 0, 1}, Position: [3]float32{float32(math.Inf(1))}}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestDecodeUpdate_Errors(t *testing.T) {
	if _, err := DecodeUpdate([]byte{1, 2}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("err=%v", err)
	}
	w := NewUpdateWriter(1, 0, 0)
	_ = w.Append(Record{EntityID: 1, Flags: FlagPosition})
	b := w.Bytes()
	if _, err := DecodeUpdate(b[:len(b)-1]); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("truncated err=%v", err)
	}
	b[0] = 99
	if _, err := DecodeUpdate(b); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("bad type err=%v", err)
	}
}

func TestInputBinary_RoundTrip(t *testing.T) {
	in := InputMsg{Seq: 7, TimestampMs: 123, Move: [3]float64{1, 0, -1}, Facing: 1.5, Buttons: 3}
	b, err := EncodeInputBinary(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeInputBinary(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	in.Type, in.ProtocolVersion = TypeInput, Version
	if got != in {
		t.Fatalf("got %+v want %+v", got, in)
	}
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ok := []struct{ typ, raw string }{
		{TypeHello, `{"type":"HELLO","protocol_version":"1.0","client_name":"bot1","spawn":[0,0,0]}`},
		{TypeInput, `{"type":"INPUT","protocol_version":"1.0","seq":1,"timestamp_ms":1700000000000,"move":[1,0,0],"facing":0}`},
	}
	for _, c := range ok {
		if err := v.Validate(c.typ, []byte(c.raw)); err != nil {
			t.Fatalf("%s: %v", c.typ, err)
		}
	}
	bad := []struct{ typ, raw string }{
		{TypeHello, `{"type":"HELLO"}`},
		{TypeInput, `{"type":"INPUT","protocol_version":"1.0","seq":1,"timestamp_ms":1,"move":[1,0],"facing":0}`},
		{TypeInput, `{"type":"INPUT","protocol_version":"1.0","seq":-1,"timestamp_ms":1,"move":[1,0,0],"facing":0}`},
	}
	for _, c := range bad {
		if err := v.Validate(c.typ, []byte(c.raw)); err == nil {
			t.Fatalf("%s accepted %s", c.typ, c.raw)
		}
	}
	if err := v.Validate(TypeWelcome, []byte(`{}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err=%v", err)
	}
}
