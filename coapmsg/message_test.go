package coapmsg

import (
	"bytes"
	"testing"
)

func TestMarshalMinimalGet(t *testing.T) {
	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 0
	m.Token = []byte{1}

	got, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x41, 0x01, 0x00, 0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestMarshalGetWithPayload(t *testing.T) {
	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 0
	m.Token = []byte{0x03, 0xE8}
	m.Payload = []byte("Hello, there!")

	got, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	wantHeader := []byte{0x42, 0x01, 0x00, 0x00, 0x03, 0xE8, 0xFF}
	if !bytes.Equal(got[:len(wantHeader)], wantHeader) {
		t.Errorf("got header % x, want % x", got[:len(wantHeader)], wantHeader)
	}
	if !bytes.Equal(got[len(wantHeader):], []byte("Hello, there!")) {
		t.Errorf("payload mismatch: % x", got[len(wantHeader):])
	}
}

func TestMarshalEmptyMessage(t *testing.T) {
	m := NewAck(0x1234)
	got, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x60, 0x00, 0x12, 0x34}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestMarshalEmptyMessageWithPayloadRejected(t *testing.T) {
	m := NewAck(1)
	m.Payload = []byte{1}
	if _, err := m.MarshalBinary(); err == nil {
		t.Error("expected error marshalling Empty message with a payload")
	}
}

func TestRoundTripWithOptions(t *testing.T) {
	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 7
	m.Token = []byte{0xAA}
	m.Options().Set(ETag, []byte{3})
	m.Options().Set(IfNoneMatch, nil)
	m.Options().Set(Observe, uint32(10))
	m.Payload = []byte("body")

	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var got Message
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}

	if got.Type != m.Type || got.Code != m.Code || got.MessageID != m.MessageID {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Token, m.Token) {
		t.Errorf("token mismatch: % x vs % x", got.Token, m.Token)
	}
	if !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("payload mismatch: %q vs %q", got.Payload, m.Payload)
	}
	if got.Options().Get(ETag).AsUInt8() != 3 {
		t.Errorf("ETag mismatch: %v", got.Options().Get(ETag))
	}
	if !got.Options().Get(IfNoneMatch).IsSet() {
		t.Error("expected If-None-Match to survive round trip")
	}
	if got.Options().Get(Observe).AsUInt32() != 10 {
		t.Errorf("Observe mismatch: %v", got.Options().Get(Observe))
	}
}

func TestOptionOrderingIsAscending(t *testing.T) {
	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.Token = []byte{1}
	m.Options().Set(URIPath, "a")
	m.Options().Set(ETag, []byte{9})
	m.Options().Set(Observe, uint32(1))

	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	b := raw[4+len(m.Token):]
	last := 0
	for len(b) > 0 && b[0] != 0xff {
		delta := int(b[0] >> 4)
		length := int(b[0] & 0x0f)
		if delta == 0xf || length == 0xf {
			t.Fatalf("unexpected reserved nibble 0xf outside payload marker")
		}
		b = b[1:]
		// options used here need no extended delta/length bytes
		num := last + delta
		if num <= last {
			t.Fatalf("option number %d is not ascending after %d", num, last)
		}
		last = num
		b = b[length:]
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	var m Message
	if err := m.UnmarshalBinary([]byte{0x40, 0x01, 0x00}); err == nil {
		t.Error("expected format error for short buffer")
	}
}

func TestDecodeRejectsPayloadMarkerWithoutPayload(t *testing.T) {
	var m Message
	raw := []byte{0x40, 0x01, 0x00, 0x00, 0xff}
	if err := m.UnmarshalBinary(raw); err == nil {
		t.Error("expected format error for trailing payload marker")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	var m Message
	raw := []byte{0x00, 0x01, 0x00, 0x00}
	if err := m.UnmarshalBinary(raw); err == nil {
		t.Error("expected format error for invalid version")
	}
}

func TestBlockValueRoundTrip(t *testing.T) {
	cases := []BlockValue{
		{Num: 0, More: false, SZX: 0},
		{Num: 1, More: true, SZX: 6},
		{Num: 1048575, More: true, SZX: 3},
	}
	for _, bv := range cases {
		raw, err := bv.Encode()
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeBlockValue(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got != bv {
			t.Errorf("block round trip mismatch: got %+v, want %+v", got, bv)
		}
	}
}

func TestBlockValueRejectsReservedSZX(t *testing.T) {
	if _, err := DecodeBlockValue([]byte{0x07}); err == nil {
		t.Error("expected reserved SZX=7 to be rejected")
	}
	if _, err := NewBlockValue(0, false, 7); err == nil {
		t.Error("expected SZX=7 to be rejected by the constructor")
	}
}
