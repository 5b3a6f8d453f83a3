// Package s7 implements the S7 transport adapter over gos7, grounded
// on other_examples/danilohenriquesilvalira-Coleta_Radar's S7Client
// (handler construction, AGReadDB/AGWriteDB, connect-mutex discipline)
// and original_source/s7_link.py's single-exclusive-lock and
// rwFailureCount behavior, per SPEC_FULL.md §4.1.
package s7

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/transport"
)

// forcedUnlinkFailureThreshold matches s7_link.py: three consecutive
// read/write failures force a disconnect so the manage loop reconnects.
const forcedUnlinkFailureThreshold = 3

// Config configures one S7 adapter instance.
type Config struct {
	Host    string
	Rack    int
	Slot    int
	Timeout time.Duration
}

// Client is the S7 transport.Adapter implementation. S7 offers no
// concurrent read/write on one TCP connection, so every operation is
// serialized behind a single mutex (§4.1, §5: "S7's single socket is
// exclusive, not shared").
type Client struct {
	cfg Config

	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool

	rwFailureCount int
}

// New constructs a Client. Connect must be called before use.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

var _ transport.Adapter = (*Client)(nil)

// Connect opens the TCP handler against (Host, Rack, Slot).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.handler != nil {
		c.handler.Close()
	}
	handler := gos7.NewTCPClientHandler(c.cfg.Host, c.cfg.Rack, c.cfg.Slot)
	handler.Timeout = c.cfg.Timeout
	handler.IdleTimeout = 70 * time.Second
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("s7: connect %s rack=%d slot=%d: %w", c.cfg.Host, c.cfg.Rack, c.cfg.Slot, err)
	}
	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.rwFailureCount = 0
	return nil
}

// Disconnect closes the handler. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		c.handler.Close()
		c.handler = nil
		c.client = nil
	}
	c.connected = false
}

// LinkState combines live state with the failure counter: three
// consecutive failures force a disconnect.
func (c *Client) LinkState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwFailureCount >= forcedUnlinkFailureThreshold {
		if c.handler != nil {
			c.handler.Close()
			c.handler = nil
			c.client = nil
		}
		c.connected = false
	}
	return c.connected
}

// ReadMany reads every referenced DB region and decodes each leaf,
// grounded on parse.py's s7_datas_parse byte-range decode. Each ref is
// read and decoded individually; this is the single S7 decode path
// (the codec layer never sees raw S7 bytes).
func (c *Client) ReadMany(ctx context.Context, refs []catalog.NodeRef, timeout time.Duration) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("s7: not connected")
	}

	out := make([]any, len(refs))
	for i, r := range refs {
		size := s7Width(r.DataType, r.S7)
		buf := make([]byte, size)
		if err := c.client.AGReadDB(r.S7.DB, r.S7.Start, size, buf); err != nil {
			c.rwFailureCount++
			return nil, fmt.Errorf("s7: read db%d start=%d: %w", r.S7.DB, r.S7.Start, err)
		}
		v, err := decodeLeaf(r, buf)
		if err != nil {
			c.rwFailureCount++
			return nil, err
		}
		out[i] = v
	}
	if c.rwFailureCount > 0 {
		c.rwFailureCount--
	}
	return out, nil
}

// WriteMany writes each target individually as a single-register
// AGWriteDB call, encoding via codec.EncodeS7Leaf.
func (c *Client) WriteMany(ctx context.Context, targets []transport.WriteTargetRef, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return fmt.Errorf("s7: not connected")
	}

	for _, t := range targets {
		v := toCodecValue(t.Value)
		size := t.S7.Size
		if size == 0 {
			size = s7Width(t.DataType, t.S7)
		}
		data, err := codec.EncodeS7Leaf(t.DataType, v, size)
		if err != nil {
			return fmt.Errorf("s7: encode %s: %w", t.NodeID, err)
		}
		if t.DataType == catalog.Bool {
			existing := make([]byte, 1)
			if err := c.client.AGReadDB(t.S7.DB, t.S7.Start, 1, existing); err != nil {
				c.rwFailureCount++
				return fmt.Errorf("s7: read-before-write bool db%d start=%d: %w", t.S7.DB, t.S7.Start, err)
			}
			if v.B {
				existing[0] |= 1 << uint(t.S7.Bit)
			} else {
				existing[0] &^= 1 << uint(t.S7.Bit)
			}
			data = existing
		}
		if err := c.client.AGWriteDB(t.S7.DB, t.S7.Start, len(data), data); err != nil {
			c.rwFailureCount++
			return fmt.Errorf("s7: write db%d start=%d: %w", t.S7.DB, t.S7.Start, err)
		}
	}
	if c.rwFailureCount > 0 {
		c.rwFailureCount--
	}
	return nil
}

// Subscribe is unsupported: S7 has no push-notification mechanism
// (s7_link.py's subscribe() always returns False).
func (c *Client) Subscribe(ctx context.Context, refs []catalog.NodeRef, onChange transport.ChangeHandler) error {
	return transport.ErrUnsupported
}

func decodeLeaf(r catalog.NodeRef, buf []byte) (any, error) {
	switch r.DataType {
	case catalog.Bool:
		if r.S7.Bit < 0 || r.S7.Bit > 7 {
			return nil, fmt.Errorf("s7: invalid bit index %d", r.S7.Bit)
		}
		return (buf[0] & (1 << uint(r.S7.Bit))) != 0, nil
	case catalog.SByte:
		return int64(int8(buf[0])), nil
	case catalog.Byte:
		return int64(buf[0]), nil
	case catalog.Int16:
		return int64(int16(binary.BigEndian.Uint16(buf))), nil
	case catalog.UInt16:
		return int64(binary.BigEndian.Uint16(buf)), nil
	case catalog.Int32:
		return int64(int32(binary.BigEndian.Uint32(buf))), nil
	case catalog.UInt32:
		return int64(binary.BigEndian.Uint32(buf)), nil
	case catalog.Int64:
		return int64(binary.BigEndian.Uint64(buf)), nil
	case catalog.UInt64:
		return int64(binary.BigEndian.Uint64(buf)), nil
	case catalog.Float:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
	case catalog.Double:
		return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
	case catalog.String:
		if len(buf) < 2 {
			return "", nil
		}
		n := int(buf[1])
		end := 2 + n
		if end > len(buf) {
			end = len(buf)
		}
		return string(buf[2:end]), nil
	default:
		return append([]byte(nil), buf...), nil
	}
}

func s7Width(dt catalog.DataType, addr catalog.S7Address) int {
	switch dt {
	case catalog.Bool, catalog.SByte, catalog.Byte:
		return 1
	case catalog.Int16, catalog.UInt16:
		return 2
	case catalog.Int32, catalog.UInt32, catalog.Float:
		return 4
	case catalog.Int64, catalog.UInt64, catalog.Double:
		return 8
	default:
		if addr.Size > 0 {
			return addr.Size
		}
		return 1
	}
}

func toCodecValue(v any) codec.Value {
	switch t := v.(type) {
	case bool:
		return codec.Bool(t)
	case int:
		return codec.Int(int64(t))
	case int32:
		return codec.Int(int64(t))
	case int64:
		return codec.Int(t)
	case float32:
		return codec.Float(float64(t))
	case float64:
		return codec.Float(t)
	case string:
		return codec.Str(t)
	case []byte:
		return codec.Bytes(t)
	default:
		return codec.Null()
	}
}
