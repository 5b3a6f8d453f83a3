package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ZHDKk/driver-io/internal/catalog"
)

// EncodeS7Leaf is the write-side S7 byte encoder, used by the S7
// transport adapter to turn a WriteTarget's Value into on-wire bytes.
// Exported for internal/transport/s7 to reuse rather than re-deriving
// the same width/endianness rules.
func EncodeS7Leaf(dt catalog.DataType, v Value, size int) ([]byte, error) {
	switch dt {
	case catalog.Bool:
		if v.B {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case catalog.SByte, catalog.Byte:
		return []byte{byte(v.I)}, nil
	case catalog.Int16, catalog.UInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v.I))
		return b, nil
	case catalog.Int32, catalog.UInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v.I))
		return b, nil
	case catalog.Int64, catalog.UInt64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.I))
		return b, nil
	case catalog.Float:
		f, _ := v.AsFloat64()
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case catalog.Double:
		f, _ := v.AsFloat64()
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f))
		return b, nil
	case catalog.String:
		if size < 2 {
			return nil, fmt.Errorf("codec: s7 string target too small: %d", size)
		}
		b := make([]byte, size)
		s := v.S
		if len(s) > size-2 {
			s = s[:size-2]
		}
		b[0] = byte(size - 2)
		b[1] = byte(len(s))
		copy(b[2:], s)
		return b, nil
	default:
		return v.Byts, nil
	}
}
