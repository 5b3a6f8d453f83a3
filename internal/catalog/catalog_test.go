package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "catalog.csv")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp csv: %v", err)
	}
	return p
}

const header = "path,name,NodeID,NodeClass,DataType,DataTypeString,DecimalPoint,ArrayDimensions,value,blockId,index,category,code,opcua_subscribe,read_enable,read_period,timed_clear,timed_clear_time,s7_db,s7_start,s7_bit,s7_size\n"

func TestLoadCSV_UTF8(t *testing.T) {
	p := writeTempCSV(t, header+
		"/,Id,ns=3;s=Basic.Id,1,int32,Int32,0,0,0,0,1,MC,Basic_Id,false,true,800,false,0,0,0,0,0\n")
	cat, err := LoadCSV(p)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	d := cat.Lookup(Key{Module: ModuleKey{BlockID: 0, Index: 1, Category: "MC"}, Code: "Basic_Id"})
	if d == nil {
		t.Fatalf("expected descriptor Basic_Id")
	}
	if d.DataType != Int32 || !d.ReadEnable {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.ReadPeriodMs != 800 {
		t.Fatalf("expected read period 800, got %d", d.ReadPeriodMs)
	}
}

func TestLoadCSV_ReadBlockAndTimedClearBlock(t *testing.T) {
	p := writeTempCSV(t, header+
		"/,A,n1,1,bool,Bool,0,0,0,0,1,MC,A,false,true,800,false,0,0,0,0,0\n"+
		"/,B,n2,1,bool,Bool,0,0,0,0,1,MC,B,false,false,800,true,1000,0,0,0,0\n")
	cat, err := LoadCSV(p)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if got := len(cat.ReadBlock()); got != 1 {
		t.Fatalf("expected 1 read-enabled descriptor, got %d", got)
	}
	if got := len(cat.TimedClearBlock()); got != 1 {
		t.Fatalf("expected 1 timed-clear descriptor, got %d", got)
	}
}

func TestLoadCSV_DecimalPointDefaultsToThree(t *testing.T) {
	p := writeTempCSV(t, header+
		"/,F,n1,1,float,Float,,0,0,0,1,MC,F,false,true,800,false,0,0,0,0,0\n")
	cat, err := LoadCSV(p)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	d := cat.Lookup(Key{Module: ModuleKey{BlockID: 0, Index: 1, Category: "MC"}, Code: "F"})
	if d.DecimalPoint != 3 {
		t.Fatalf("expected default decimal point 3, got %d", d.DecimalPoint)
	}
}

func TestCatalog_ChildLookup(t *testing.T) {
	cat := New()
	mod := ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	parent := &VariableDescriptor{Module: mod, Code: "Basic", DataType: Structure}
	child := &VariableDescriptor{Module: mod, Code: "Basic_Id", DataType: Int32}
	cat.Add(parent)
	cat.Add(child)
	if got := cat.Child(parent, "Id"); got != child {
		t.Fatalf("expected child lookup to find Basic_Id, got %+v", got)
	}
}
