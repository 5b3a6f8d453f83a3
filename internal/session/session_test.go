package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/config"
)

func writeCatalogCSV(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "cat.csv")
	header := "path,name,NodeID,NodeClass,DataType,DataTypeString,DecimalPoint,ArrayDimensions,value,blockId,index,category,code,opcua_subscribe,read_enable,read_period,timed_clear,timed_clear_time,s7_db,s7_start,s7_bit,s7_size\n"
	row := ",,ns=2;s=Tag1,,0,bool,0,0,,1,1,Driver,Status_Ready,false,true,800,false,0,0,0,0,0\n"
	if err := os.WriteFile(p, []byte(header+row), 0o644); err != nil {
		t.Fatalf("write catalog csv: %v", err)
	}
	return p
}

func TestSession_Load(t *testing.T) {
	path := writeCatalogCSV(t)
	cfg := config.DeviceConfig{}
	cfg.Basic.CatalogCSVPath = path
	cfg.Basic.LinkType = "opcua"

	s := New("plc1", cfg, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	block := s.Catalog().ReadBlock()
	if len(block) != 1 {
		t.Fatalf("expected 1 read-enabled descriptor, got %d", len(block))
	}
}

func TestSession_ConnectingBeforeConnect(t *testing.T) {
	s := New("plc1", config.DeviceConfig{}, nil)
	if s.Connecting() {
		t.Fatalf("expected not connecting before Connect")
	}
}

func TestNodeRefsFor(t *testing.T) {
	d := &catalog.VariableDescriptor{Code: "x", NodeID: "ns=2;s=x"}
	refs := nodeRefsFor([]*catalog.VariableDescriptor{d})
	if len(refs) != 1 || refs[0].NodeID != "ns=2;s=x" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}
