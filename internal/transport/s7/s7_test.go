package s7

import (
	"math"
	"testing"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
)

func ref(dt catalog.DataType, addr catalog.S7Address) catalog.NodeRef {
	return catalog.NodeRef{DataType: dt, S7: addr}
}

func TestDecodeLeaf_Bool(t *testing.T) {
	v, err := decodeLeaf(ref(catalog.Bool, catalog.S7Address{Bit: 3}), []byte{0b00001000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != true {
		t.Fatalf("want true, got %v", v)
	}
}

func TestDecodeLeaf_Bool_InvalidBit(t *testing.T) {
	if _, err := decodeLeaf(ref(catalog.Bool, catalog.S7Address{Bit: 8}), []byte{0x00}); err == nil {
		t.Fatalf("expected error for out-of-range bit index")
	}
}

func TestDecodeLeaf_SignedAndUnsigned(t *testing.T) {
	cases := []struct {
		name string
		dt   catalog.DataType
		buf  []byte
		want any
	}{
		{"sbyte-negative", catalog.SByte, []byte{0xFF}, int64(-1)},
		{"byte", catalog.Byte, []byte{0xFF}, int64(255)},
		{"int16-negative", catalog.Int16, []byte{0xFF, 0xFF}, int64(-1)},
		{"uint16", catalog.UInt16, []byte{0xFF, 0xFF}, int64(65535)},
		{"int32-negative", catalog.Int32, []byte{0xFF, 0xFF, 0xFF, 0xFF}, int64(-1)},
		{"uint32", catalog.UInt32, []byte{0x00, 0x00, 0x00, 0x01}, int64(1)},
		{"int64", catalog.Int64, []byte{0, 0, 0, 0, 0, 0, 0, 5}, int64(5)},
		{"uint64", catalog.UInt64, []byte{0, 0, 0, 0, 0, 0, 0, 7}, int64(7)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := decodeLeaf(ref(c.dt, catalog.S7Address{}), c.buf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("want %v, got %v", c.want, got)
			}
		})
	}
}

func TestDecodeLeaf_Float(t *testing.T) {
	buf := make([]byte, 4)
	bits := math.Float32bits(3.5)
	buf[0] = byte(bits >> 24)
	buf[1] = byte(bits >> 16)
	buf[2] = byte(bits >> 8)
	buf[3] = byte(bits)

	v, err := decodeLeaf(ref(catalog.Float, catalog.S7Address{}), buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(float64) != 3.5 {
		t.Fatalf("want 3.5, got %v", v)
	}
}

func TestDecodeLeaf_String(t *testing.T) {
	// S7 string layout: [maxLen][actualLen][chars...]
	buf := []byte{10, 5, 'h', 'e', 'l', 'l', 'o'}
	v, err := decodeLeaf(ref(catalog.String, catalog.S7Address{}), buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("want hello, got %v", v)
	}
}

func TestDecodeLeaf_String_ActualLenExceedsBuffer(t *testing.T) {
	buf := []byte{10, 200, 'h', 'i'}
	v, err := decodeLeaf(ref(catalog.String, catalog.S7Address{}), buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hi" {
		t.Fatalf("want truncated string hi, got %q", v)
	}
}

func TestS7Width(t *testing.T) {
	cases := []struct {
		dt   catalog.DataType
		addr catalog.S7Address
		want int
	}{
		{catalog.Bool, catalog.S7Address{}, 1},
		{catalog.Byte, catalog.S7Address{}, 1},
		{catalog.Int16, catalog.S7Address{}, 2},
		{catalog.UInt32, catalog.S7Address{}, 4},
		{catalog.Float, catalog.S7Address{}, 4},
		{catalog.Double, catalog.S7Address{}, 8},
		{catalog.Int64, catalog.S7Address{}, 8},
		{catalog.String, catalog.S7Address{Size: 32}, 32},
		{catalog.Bytes, catalog.S7Address{}, 1},
	}
	for _, c := range cases {
		if got := s7Width(c.dt, c.addr); got != c.want {
			t.Errorf("s7Width(%v, %+v) = %d, want %d", c.dt, c.addr, got, c.want)
		}
	}
}

func TestToCodecValue(t *testing.T) {
	if got := toCodecValue(true); got.Kind != codec.KindBool || !got.B {
		t.Fatalf("bool: got %+v", got)
	}
	if got := toCodecValue(int32(7)); got.Kind != codec.KindInt || got.I != 7 {
		t.Fatalf("int32: got %+v", got)
	}
	if got := toCodecValue(1.5); got.Kind != codec.KindFloat || got.F != 1.5 {
		t.Fatalf("float64: got %+v", got)
	}
	if got := toCodecValue("x"); got.Kind != codec.KindString || got.S != "x" {
		t.Fatalf("string: got %+v", got)
	}
	if got := toCodecValue(nil); got.Kind != codec.KindNull {
		t.Fatalf("nil: got %+v", got)
	}
}

func TestLinkState_NotConnected(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Rack: 0, Slot: 1})
	if c.LinkState() {
		t.Fatalf("expected LinkState false before Connect")
	}
}

func TestSubscribe_Unsupported(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Rack: 0, Slot: 1})
	err := c.Subscribe(nil, nil, nil)
	if err == nil {
		t.Fatalf("expected ErrUnsupported")
	}
}
