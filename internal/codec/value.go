// Package codec implements the bidirectional recursive walk between
// nested PLC values and the flat {code, value, dataType, arrLen} list
// consumed by MQTT, per §4.2 and the unification prescribed by §9's
// "Duplicate code-path resolution" design note.
package codec

import "fmt"

// Kind tags the dynamic-typed variant values crossing the codec
// boundary, per §9 "Dynamic-typed values map to a tagged variant".
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSequence
	KindMap
)

// Value is a tagged variant: exactly one of the typed fields is
// meaningful, selected by Kind. Using a struct instead of `any` keeps
// the set of kinds explicit; the compiler does not check that a switch
// over Kind covers every kind.
type Value struct {
	Kind Kind

	B    bool
	I    int64
	F    float64
	S    string
	Byts []byte
	Seq  []Value
	Map  map[string]Value
}

func Null() Value               { return Value{Kind: KindNull} }
func Bool(b bool) Value         { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value         { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value     { return Value{Kind: KindFloat, F: f} }
func Str(s string) Value        { return Value{Kind: KindString, S: s} }
func Bytes(b []byte) Value      { return Value{Kind: KindBytes, Byts: b} }
func Sequence(v []Value) Value  { return Value{Kind: KindSequence, Seq: v} }
func Mapping(v map[string]Value) Value { return Value{Kind: KindMap, Map: v} }

// AsFloat64 widens numeric kinds to float64, used for int->float
// write-compatibility (§4.2 "int→float is allowed").
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat:
		return v.F, true
	case KindInt:
		return float64(v.I), true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.B)
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	case KindString:
		return v.S
	case KindBytes:
		return fmt.Sprintf("%x", v.Byts)
	case KindSequence:
		return fmt.Sprintf("%v", v.Seq)
	case KindMap:
		return fmt.Sprintf("%v", v.Map)
	default:
		return "?"
	}
}
