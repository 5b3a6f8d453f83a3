// Package catalog holds the per-device variable catalog: the flat
// (blockId, index, category, code) index that is the sole runtime
// structure driving reads, writes and the codec walk.
package catalog

import "fmt"

// DataType enumerates the value kinds a VariableDescriptor can carry.
type DataType int

const (
	Bool DataType = iota
	SByte
	Byte
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float
	Double
	String
	DateTime
	Bytes
	Structure
)

func (d DataType) String() string {
	switch d {
	case Bool:
		return "bool"
	case SByte:
		return "sbyte"
	case Byte:
		return "byte"
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	case Int32:
		return "int32"
	case UInt32:
		return "uint32"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	case Float:
		return "float"
	case Double:
		return "double"
	case String:
		return "string"
	case DateTime:
		return "datetime"
	case Bytes:
		return "bytes"
	case Structure:
		return "structure"
	default:
		return "unknown"
	}
}

// IsFloat reports whether d requires tolerance-aware comparison.
func (d DataType) IsFloat() bool { return d == Float || d == Double }

// ModuleKey identifies a logical PLC module; unique per deployment.
type ModuleKey struct {
	BlockID  int
	Index    int
	Category string
}

func (k ModuleKey) String() string {
	return fmt.Sprintf("%d_%d_%s", k.BlockID, k.Index, k.Category)
}

// Key is the composite (blockId, index, category, code) catalog key.
type Key struct {
	Module ModuleKey
	Code   string
}

func (k Key) String() string { return k.Module.String() + "_" + k.Code }

// S7Address is the (db, start, bit, size) target for an S7 descriptor.
// Ignored for OPC UA-only descriptors.
type S7Address struct {
	DB    int
	Start int
	Bit   int
	Size  int
}

// VariableDescriptor is one row of the catalog.
type VariableDescriptor struct {
	Module ModuleKey
	Code   string

	NodeID         string
	DataType       DataType
	DataTypeString string
	ArrayDimensions int // 0 = scalar

	Value any // last known value; mutable

	DecimalPoint int // only meaningful for Float/Double

	S7 S7Address

	ReadEnable     bool
	OpcuaSubscribe bool
	TimedClear     bool

	ReadPeriodMs     int
	TimedClearTimeMs int
	FalseTime        int64 // unix millis of most recent observed false

	// successfulReads counts confirmed reads since load, capped; used
	// by the safety-clear warm-up guard (§4.3 phase 4 / §9 iv).
	successfulReads int
}

// SuccessfulReads returns the warm-up counter, capped display-only.
func (d *VariableDescriptor) SuccessfulReads() int { return d.successfulReads }

// RecordSuccessfulRead increments the warm-up counter, saturating at 3
// (nothing reads it past the "fewer than three" threshold).
func (d *VariableDescriptor) RecordSuccessfulRead() {
	if d.successfulReads < 3 {
		d.successfulReads++
	}
}

// NodeRef is what transport adapters consume: either an OPC UA node ID
// or an S7 address, tagged by the descriptor's code for round-tripping.
type NodeRef struct {
	Key      Key
	NodeID   string
	S7       S7Address
	DataType DataType
}

// Catalog is the flat index for one device.
type Catalog struct {
	byKey   map[Key]*VariableDescriptor
	modules map[ModuleKey]struct{}
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		byKey:   make(map[Key]*VariableDescriptor),
		modules: make(map[ModuleKey]struct{}),
	}
}

// Add registers a descriptor, indexed by its (Module, Code).
func (c *Catalog) Add(d *VariableDescriptor) {
	key := Key{Module: d.Module, Code: d.Code}
	c.byKey[key] = d
	c.modules[d.Module] = struct{}{}
}

// Lookup returns the descriptor at key, or nil.
func (c *Catalog) Lookup(key Key) *VariableDescriptor {
	return c.byKey[key]
}

// Child resolves the descriptor for a struct-field or array-index
// child of parent, per §4.2: parent.Code + "_" + keyOrIndex.
func (c *Catalog) Child(parent *VariableDescriptor, keyOrIndex string) *VariableDescriptor {
	return c.Lookup(Key{Module: parent.Module, Code: parent.Code + "_" + keyOrIndex})
}

// Modules returns the distinct ModuleKey set derived from the catalog.
func (c *Catalog) Modules() []ModuleKey {
	out := make([]ModuleKey, 0, len(c.modules))
	for m := range c.modules {
		out = append(out, m)
	}
	return out
}

// All returns every descriptor in the catalog. Order is unspecified.
func (c *Catalog) All() []*VariableDescriptor {
	out := make([]*VariableDescriptor, 0, len(c.byKey))
	for _, d := range c.byKey {
		out = append(out, d)
	}
	return out
}

// ReadBlock is the subset of descriptors polled each scan
// (readEnable=true).
func (c *Catalog) ReadBlock() []*VariableDescriptor {
	return c.filter(func(d *VariableDescriptor) bool { return d.ReadEnable })
}

// TimedClearBlock is the subset of descriptors auto-cleared after a
// timeout (timedClear=true).
func (c *Catalog) TimedClearBlock() []*VariableDescriptor {
	return c.filter(func(d *VariableDescriptor) bool { return d.TimedClear })
}

// SubscriptionBlock is the subset eligible for OPC UA push subscription
// (opcuaSubscribe=true).
func (c *Catalog) SubscriptionBlock() []*VariableDescriptor {
	return c.filter(func(d *VariableDescriptor) bool { return d.OpcuaSubscribe })
}

func (c *Catalog) filter(pred func(*VariableDescriptor) bool) []*VariableDescriptor {
	var out []*VariableDescriptor
	for _, d := range c.byKey {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out
}

// LookupByNodeID finds a descriptor by its OPC UA node identifier, used
// by the subscription change callback to map a pushed nodeId back to a
// descriptor. O(n); called only on the (rare) change-notification path.
func (c *Catalog) LookupByNodeID(nodeID string) *VariableDescriptor {
	for _, d := range c.byKey {
		if d.NodeID == nodeID {
			return d
		}
	}
	return nil
}
