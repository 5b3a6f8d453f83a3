package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
)

func TestConvertVariant(t *testing.T) {
	if got := convertVariant(nil); got != nil {
		t.Fatalf("nil variant: got %v", got)
	}
	v, err := ua.NewVariant(int32(42))
	if err != nil {
		t.Fatalf("NewVariant: %v", err)
	}
	if got := convertVariant(v); got != int32(42) {
		t.Fatalf("want 42, got %v", got)
	}
}

func TestToCodecValue(t *testing.T) {
	if got := toCodecValue(true); got.B != true {
		t.Fatalf("bool: got %+v", got)
	}
	if got := toCodecValue(int32(7)); got.I != 7 {
		t.Fatalf("int32: got %+v", got)
	}
	if got := toCodecValue(int64(9)); got.I != 9 {
		t.Fatalf("int64: got %+v", got)
	}
	if got := toCodecValue(float32(1.5)); got.F != 1.5 {
		t.Fatalf("float32: got %+v", got)
	}
	if got := toCodecValue("x"); got.S != "x" {
		t.Fatalf("string: got %+v", got)
	}
}

func TestValuesEqual(t *testing.T) {
	if !valuesEqual(int32(5), int64(5)) {
		t.Fatalf("expected int32/int64 5 to compare equal")
	}
	if valuesEqual(int32(5), int64(6)) {
		t.Fatalf("expected mismatched ints to compare unequal")
	}
	if !valuesEqual(1.0, float32(1.0)) {
		t.Fatalf("expected equal floats across widths to compare equal")
	}
}

func TestMax1(t *testing.T) {
	if got := max1(0); got != 1 {
		t.Fatalf("max1(0) = %d, want 1", got)
	}
	if got := max1(-3); got != 1 {
		t.Fatalf("max1(-3) = %d, want 1", got)
	}
	if got := max1(5); got != 5 {
		t.Fatalf("max1(5) = %d, want 5", got)
	}
}

func TestAdaptiveBatchSize(t *testing.T) {
	c := New(Config{})
	if got := c.adaptiveBatchSize(10); got != 10 {
		t.Fatalf("small batch: got %d, want 10", got)
	}
	if got := c.adaptiveBatchSize(75); got != 50 {
		t.Fatalf("mid batch: got %d, want 50", got)
	}
	if got := c.adaptiveBatchSize(1500); got != DefaultMaxBatchSize {
		t.Fatalf("large batch: got %d, want clamp to %d", got, DefaultMaxBatchSize)
	}
	if got := c.adaptiveBatchSize(120); got != DefaultMinBatchSize {
		t.Fatalf("just-over-100 batch: got %d, want clamp to min %d", got, DefaultMinBatchSize)
	}
}

func TestCalculateTimeout(t *testing.T) {
	c := New(Config{})
	if got := c.calculateTimeout(0, 2*time.Second); got != 2*time.Second {
		t.Fatalf("zero count: got %v, want 2s", got)
	}
	if got := c.calculateTimeout(0, 0); got != DefaultBaseTimeout {
		t.Fatalf("zero base falls back to configured default: got %v, want %v", got, DefaultBaseTimeout)
	}
	if got := c.calculateTimeout(100000, time.Second); got != DefaultMaxTimeout {
		t.Fatalf("large count clamps to max: got %v, want %v", got, DefaultMaxTimeout)
	}
}

func TestLinkState_NotConnected(t *testing.T) {
	c := New(Config{Endpoint: "opc.tcp://127.0.0.1:4840"})
	if c.LinkState() {
		t.Fatalf("expected LinkState false before Connect")
	}
}

func TestRecordFailure_ForcesUnlinkAboveThreshold(t *testing.T) {
	c := New(Config{})
	for i := 0; i <= forcedUnlinkFailureThreshold; i++ {
		c.recordFailure()
	}
	if c.LinkState() {
		t.Fatalf("expected LinkState false once failures exceed threshold")
	}
}
