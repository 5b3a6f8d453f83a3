package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZHDKk/driver-io/internal/catalog"
)

// Direction selects emit-vs-consume semantics for Walk.
type Direction int

const (
	// O2M is PLC-to-MQTT: emit changed/forced leaves into a flat list.
	O2M Direction = iota
	// M2O is MQTT-to-PLC: consume a flat/nested payload into write targets.
	M2O
)

// Transport names the device transport a Walk call serves. Walk passes
// it down but does not branch on it: every M2O write target carries both
// the NodeID and the S7 (db,start,bit,size) address. O2M decoding
// itself happens in the transport adapter, not here — Walk always
// receives an already-decoded Value.
type Transport int

const (
	OPCUA Transport = iota
	S7
)

// Entry is one outbound {code, value, dataType, arrLen, time} record.
type Entry struct {
	Module   catalog.ModuleKey
	Code     string
	Value    Value
	DataType catalog.DataType
	ArrLen   int
	TimeMs   int64
}

// WriteTarget is one inbound write instruction, shaped per transport.
type WriteTarget struct {
	Key      catalog.Key
	NodeID   string
	S7       catalog.S7Address
	DataType catalog.DataType
	Value    Value
}

// Options configures one Walk invocation.
type Options struct {
	// ForceEmitAll makes every leaf emit regardless of change, used by
	// the scan phase when O2M_All is set (§4.3 phase 3).
	ForceEmitAll bool
	// NowMs stamps emitted entries' Time field.
	NowMs int64
}

// Walk is the single recursive codec shared by both directions and both
// transports, replacing the source's datas_parse / datas_parse_o2m /
// datas_parse_m2o / s7_datas_parse quartet (§9 Design Note).
//
// For O2M, val is the value just read from the transport for desc (or,
// at the root, the decoded top-level payload); Walk returns the flat
// list of changed/forced entries and any decode-mismatch errors.
//
// For M2O, val is the incoming MQTT payload for desc; Walk returns the
// write targets to apply and any type-mismatch errors (siblings still
// processed; §4.2 "the walk continues for siblings").
func Walk(cat *catalog.Catalog, desc *catalog.VariableDescriptor, val Value, dir Direction, tr Transport, opts Options) ([]Entry, []WriteTarget, []error) {
	var entries []Entry
	var targets []WriteTarget
	var errs []error
	walk(cat, desc, val, dir, tr, opts, &entries, &targets, &errs)
	return entries, targets, errs
}

func walk(cat *catalog.Catalog, desc *catalog.VariableDescriptor, val Value, dir Direction, tr Transport, opts Options, entries *[]Entry, targets *[]WriteTarget, errs *[]error) {
	switch {
	case desc.ArrayDimensions > 0:
		walkArray(cat, desc, val, dir, tr, opts, entries, targets, errs)
	case desc.DataType == catalog.Structure:
		walkStruct(cat, desc, val, dir, tr, opts, entries, targets, errs)
	default:
		walkLeaf(cat, desc, val, dir, tr, opts, entries, targets, errs)
	}
}

func walkArray(cat *catalog.Catalog, desc *catalog.VariableDescriptor, val Value, dir Direction, tr Transport, opts Options, entries *[]Entry, targets *[]WriteTarget, errs *[]error) {
	if dir == M2O {
		if val.Kind != KindSequence {
			*errs = append(*errs, fmt.Errorf("codec: %s: expected array, got %s", desc.Code, val.Kind))
			return
		}
		if len(val.Seq) != desc.ArrayDimensions {
			*errs = append(*errs, fmt.Errorf("codec: %s: array length mismatch: want %d got %d", desc.Code, desc.ArrayDimensions, len(val.Seq)))
			return
		}
	}
	n := desc.ArrayDimensions
	if dir == O2M {
		// On read-out, the source array length is authoritative; if the
		// supplied val disagrees it's reported but siblings still walk.
		if val.Kind == KindSequence && len(val.Seq) != n {
			*errs = append(*errs, fmt.Errorf("codec: %s: array length mismatch: want %d got %d", desc.Code, n, len(val.Seq)))
		}
	}
	for i := 0; i < n; i++ {
		childKeyOrIndex := strconv.Itoa(i)
		child := cat.Child(desc, childKeyOrIndex)
		if child == nil {
			*errs = append(*errs, fmt.Errorf("codec: %s: missing child descriptor at index %d", desc.Code, i))
			continue
		}
		var childVal Value
		if i < len(val.Seq) {
			childVal = val.Seq[i]
		}
		walk(cat, child, childVal, dir, tr, opts, entries, targets, errs)
	}
}

func walkStruct(cat *catalog.Catalog, desc *catalog.VariableDescriptor, val Value, dir Direction, tr Transport, opts Options, entries *[]Entry, targets *[]WriteTarget, errs *[]error) {
	if dir == M2O && val.Kind != KindMap {
		*errs = append(*errs, fmt.Errorf("codec: %s: expected object, got %s", desc.Code, val.Kind))
		return
	}
	seen := make(map[string]bool)
	if dir == M2O {
		for k, childVal := range val.Map {
			key := strings.TrimPrefix(k, "_")
			seen[key] = true
			child := cat.Child(desc, key)
			if child == nil {
				// unknown keys in the input are ignored with a warning
				// (§4.2); we surface it as a non-fatal error entry so
				// callers can log it without aborting the transaction.
				*errs = append(*errs, fmt.Errorf("codec: %s: unknown field %q ignored", desc.Code, k))
				continue
			}
			walk(cat, child, childVal, dir, tr, opts, entries, targets, errs)
		}
		return
	}
	// O2M: walk every known child of this struct root. Children are
	// discovered via the flat catalog, not the incoming val, since the
	// source of truth for which fields exist is the catalog itself.
	for _, d := range cat.All() {
		if d.Module != desc.Module {
			continue
		}
		prefix := desc.Code + "_"
		if !strings.HasPrefix(d.Code, prefix) {
			continue
		}
		rest := d.Code[len(prefix):]
		if strings.Contains(rest, "_") {
			continue // not a direct child, belongs to a deeper descendant
		}
		var childVal Value
		if val.Kind == KindMap {
			childVal = val.Map[rest]
		}
		walk(cat, d, childVal, dir, tr, opts, entries, targets, errs)
	}
}

func walkLeaf(cat *catalog.Catalog, desc *catalog.VariableDescriptor, val Value, dir Direction, tr Transport, opts Options, entries *[]Entry, targets *[]WriteTarget, errs *[]error) {
	if dir == O2M {
		walkLeafO2M(desc, val, tr, opts, entries)
		return
	}
	walkLeafM2O(desc, val, tr, targets, errs)
}

func walkLeafO2M(desc *catalog.VariableDescriptor, val Value, tr Transport, opts Options, entries *[]Entry) {
	// S7 leaves arrive pre-decoded: the S7 adapter's ReadMany decodes
	// each ref's raw bytes per (db,start,bit) before val reaches here,
	// so there is a single S7 decode path, not a second one in the walk.
	if desc.DataType.IsFloat() {
		if f, ok := val.AsFloat64(); ok {
			val = Float(RoundHalfUp(f, desc.DecimalPoint))
		}
	}
	cachedVal := goValueOf(desc.Value)
	changed := !AreValuesEqual(val, cachedVal)
	if opts.ForceEmitAll || changed {
		*entries = append(*entries, Entry{
			Module:   desc.Module,
			Code:     desc.Code,
			Value:    val,
			DataType: desc.DataType,
			ArrLen:   desc.ArrayDimensions,
			TimeMs:   opts.NowMs,
		})
	}
	desc.Value = valueToGo(val)
	desc.RecordSuccessfulRead()
}

func walkLeafM2O(desc *catalog.VariableDescriptor, val Value, tr Transport, targets *[]WriteTarget, errs *[]error) {
	if !typeCompatible(desc.DataType, val) {
		*errs = append(*errs, fmt.Errorf("codec: %s: Write Data Type Error: want %s got %s", desc.Code, desc.DataType, val.Kind))
		return
	}
	t := WriteTarget{
		Key:      catalog.Key{Module: desc.Module, Code: desc.Code},
		NodeID:   desc.NodeID,
		S7:       desc.S7,
		DataType: desc.DataType,
		Value:    val,
	}
	*targets = append(*targets, t)
}

// typeCompatible enforces §4.2: "int→float is allowed; mismatches abort
// this branch with an error".
func typeCompatible(dt catalog.DataType, v Value) bool {
	switch dt {
	case catalog.Bool:
		return v.Kind == KindBool
	case catalog.SByte, catalog.Byte, catalog.Int16, catalog.UInt16,
		catalog.Int32, catalog.UInt32, catalog.Int64, catalog.UInt64:
		return v.Kind == KindInt
	case catalog.Float, catalog.Double:
		return v.Kind == KindFloat || v.Kind == KindInt
	case catalog.String, catalog.DateTime:
		return v.Kind == KindString
	case catalog.Bytes:
		return v.Kind == KindBytes
	default:
		return true
	}
}

func goValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case float64:
		return Float(t)
	case string:
		return Str(t)
	case []byte:
		return Bytes(t)
	case Value:
		return t
	default:
		return Null()
	}
}

func valueToGo(v Value) any {
	switch v.Kind {
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	case KindBytes:
		return v.Byts
	default:
		return nil
	}
}
