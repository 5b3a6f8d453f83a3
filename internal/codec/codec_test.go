package codec

import (
	"math"
	"testing"

	"github.com/ZHDKk/driver-io/internal/catalog"
)

func mk(mod catalog.ModuleKey, code string, dt catalog.DataType) *catalog.VariableDescriptor {
	return &catalog.VariableDescriptor{Module: mod, Code: code, DataType: dt, DecimalPoint: 3}
}

// Scenario 1: scalar write via MQTT (§8 scenario 1).
func TestWalk_M2O_ScalarWrite(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	desc := mk(mod, "Basic_Id", catalog.Int32)
	desc.NodeID = "ns=3;s=Basic.Id"
	cat.Add(desc)

	_, targets, errs := Walk(cat, desc, Int(42), M2O, OPCUA, Options{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(targets) != 1 || targets[0].Value.I != 42 || targets[0].NodeID != "ns=3;s=Basic.Id" {
		t.Fatalf("unexpected targets: %+v", targets)
	}
}

// Scenario 2: type mismatch (§8 scenario 2).
func TestWalk_M2O_TypeMismatch(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	desc := mk(mod, "Basic_Id", catalog.Int32)
	cat.Add(desc)

	_, targets, errs := Walk(cat, desc, Str("forty-two"), M2O, OPCUA, Options{})
	if len(targets) != 0 {
		t.Fatalf("expected no write targets on type mismatch, got %+v", targets)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
}

// Scenario 6: subscription change, float rounded to decimalPoint (§8 scenario 6).
func TestWalk_O2M_FloatRounding(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	desc := mk(mod, "Temp", catalog.Float)
	desc.DecimalPoint = 3
	desc.Value = float64(0)
	cat.Add(desc)

	entries, _, errs := Walk(cat, desc, Float(7.123456), O2M, OPCUA, Options{NowMs: 1000})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one emitted entry, got %d", len(entries))
	}
	if entries[0].Value.F != 7.123 {
		t.Fatalf("expected rounded 7.123, got %v", entries[0].Value.F)
	}
	if desc.Value.(float64) != 7.123 {
		t.Fatalf("expected cache updated to 7.123, got %v", desc.Value)
	}
}

func TestWalk_O2M_NoEmitWhenUnchanged(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	desc := mk(mod, "Flag", catalog.Bool)
	desc.Value = true
	cat.Add(desc)

	entries, _, _ := Walk(cat, desc, Bool(true), O2M, OPCUA, Options{})
	if len(entries) != 0 {
		t.Fatalf("expected no emission for unchanged value, got %+v", entries)
	}
}

func TestWalk_O2M_ForceEmitAll(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	desc := mk(mod, "Flag", catalog.Bool)
	desc.Value = true
	cat.Add(desc)

	entries, _, _ := Walk(cat, desc, Bool(true), O2M, OPCUA, Options{ForceEmitAll: true})
	if len(entries) != 1 {
		t.Fatalf("expected forced emission, got %+v", entries)
	}
}

func TestWalk_M2O_Array(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	root := mk(mod, "Vals", catalog.Int32)
	root.ArrayDimensions = 2
	cat.Add(root)
	cat.Add(mk(mod, "Vals_0", catalog.Int32))
	cat.Add(mk(mod, "Vals_1", catalog.Int32))

	_, targets, errs := Walk(cat, root, Sequence([]Value{Int(1), Int(2)}), M2O, OPCUA, Options{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 write targets, got %d", len(targets))
	}
}

func TestWalk_Struct_LeadingUnderscoreStripped(t *testing.T) {
	mod := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	cat := catalog.New()
	root := mk(mod, "Basic", catalog.Structure)
	cat.Add(root)
	cat.Add(mk(mod, "Basic_Id", catalog.Int32))

	payload := Mapping(map[string]Value{"_Id": Int(7)})
	_, targets, errs := Walk(cat, root, payload, M2O, OPCUA, Options{})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(targets) != 1 || targets[0].Value.I != 7 {
		t.Fatalf("unexpected targets: %+v", targets)
	}
}

func TestAreValuesEqual_ToleranceAndNaN(t *testing.T) {
	nan := Float(math.NaN())
	if !AreValuesEqual(nan, nan) {
		t.Fatalf("expected NaN == NaN")
	}
	posInf := Float(math.Inf(1))
	negInf := Float(math.Inf(-1))
	if AreValuesEqual(posInf, negInf) {
		t.Fatalf("expected +Inf != -Inf")
	}
	a := Float(1.0000001)
	b := Float(1.0000002)
	if !AreValuesEqual(a, b) {
		t.Fatalf("expected values within absolute tolerance to be equal")
	}
}
