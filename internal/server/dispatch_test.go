package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/mqttlink"
	"github.com/ZHDKk/driver-io/internal/session"
	"github.com/ZHDKk/driver-io/internal/transport"
)

func testLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

var testModule = catalog.ModuleKey{BlockID: 1, Index: 2, Category: "press"}

func newTestCatalog() *catalog.Catalog {
	cat := catalog.New()
	cat.Add(&catalog.VariableDescriptor{Module: testModule, Code: "Speed", DataType: catalog.Int32, Value: int64(10), NodeID: "ns=2;s=Speed"})
	cat.Add(&catalog.VariableDescriptor{Module: testModule, Code: "Writable", DataType: catalog.Bool, Value: true, NodeID: "ns=2;s=Writable"})
	cat.Add(&catalog.VariableDescriptor{Module: testModule, Code: "ValidLatch", DataType: catalog.Bool, Value: false, NodeID: "ns=2;s=ValidLatch"})
	return cat
}

// fakeDevice implements deviceHandle without a live transport, so the
// dispatcher's read/write paths can be exercised directly.
type fakeDevice struct {
	cat         *catalog.Catalog
	writeErr    error
	lastWritten []transport.WriteTargetRef
}

func (f *fakeDevice) Catalog() *catalog.Catalog { return f.cat }

func (f *fakeDevice) Scan(ctx context.Context, nodes []*catalog.VariableDescriptor) ([]codec.Entry, error) {
	return nil, nil
}

func (f *fakeDevice) WriteMany(ctx context.Context, targets []transport.WriteTargetRef, timeout time.Duration) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lastWritten = append(f.lastWritten, targets...)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeDevice) {
	t.Helper()
	cat := newTestCatalog()
	dev := session.New("plc1", config.DeviceConfig{}, nil)
	s := &Server{
		devices: map[string]*session.Session{"plc1": dev},
		mqtt:    mqttlink.New(config.MqttConfig{}, testLogger(), 4),
		logger:  testLogger(),
	}
	return s, &fakeDevice{cat: cat}
}

func TestCmdRead_UnstructuredUsesCodecWalk(t *testing.T) {
	s, dev := newTestServer(t)
	in := inboundEnvelope{ID: "1", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "read", List: []inboundItem{{Code: "Speed"}},
	}}
	s.cmdRead(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule, false, false)
}

func TestCmdRead_UnknownCodeReplies(t *testing.T) {
	s, dev := newTestServer(t)
	in := inboundEnvelope{ID: "1", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "read", List: []inboundItem{{Code: "DoesNotExist"}},
	}}
	// No panic expected; reply path is exercised via mqtt.Reply, which is
	// a no-op without a connected client.
	s.cmdRead(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule, false, false)
}

func TestCmdWrite_DecodesAndWrites(t *testing.T) {
	s, dev := newTestServer(t)
	in := inboundEnvelope{ID: "2", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "write", List: []inboundItem{{Code: "Speed", Value: json.RawMessage(`42`)}},
	}}
	s.cmdWrite(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule)
	if len(dev.lastWritten) != 1 {
		t.Fatalf("expected one write target, got %d", len(dev.lastWritten))
	}
	if dev.lastWritten[0].NodeID != "ns=2;s=Speed" {
		t.Fatalf("unexpected write target: %+v", dev.lastWritten[0])
	}
}

func TestCmdWrite_UnknownCodeFails(t *testing.T) {
	s, dev := newTestServer(t)
	in := inboundEnvelope{ID: "3", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "write", List: []inboundItem{{Code: "Nope", Value: json.RawMessage(`1`)}},
	}}
	s.cmdWrite(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule)
	if len(dev.lastWritten) != 0 {
		t.Fatalf("expected no writes on unknown code, got %d", len(dev.lastWritten))
	}
}

func TestCmdWriteRecipe_SingleModuleGatesOnWritable(t *testing.T) {
	s, dev := newTestServer(t)
	s.recipeCfg.RecipeMonitorInfo.SingleModule = []config.SingleModuleEntry{{
		Module:             config.ModuleKeyConfig{BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category},
		RecipeWritablePath: "Writable",
		RecipeValidCode:    "ValidLatch",
	}}
	in := inboundEnvelope{ID: "4", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "write_recipe", List: []inboundItem{{Code: "Speed", Value: json.RawMessage(`7`)}},
	}}
	s.cmdWriteRecipe(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule)

	// Expect: valid latch set true, then Speed, then valid latch set false.
	if len(dev.lastWritten) != 3 {
		t.Fatalf("expected 3 writes (valid=true, speed, valid=false), got %d: %+v", len(dev.lastWritten), dev.lastWritten)
	}
	if dev.lastWritten[0].NodeID != "ns=2;s=ValidLatch" || dev.lastWritten[0].Value != true {
		t.Fatalf("expected first write to set valid latch true, got %+v", dev.lastWritten[0])
	}
	last := dev.lastWritten[len(dev.lastWritten)-1]
	if last.NodeID != "ns=2;s=ValidLatch" || last.Value != false {
		t.Fatalf("expected final write to clear valid latch, got %+v", last)
	}
}

func TestCmdWriteRecipe_NotWritableRejectsWithoutWriting(t *testing.T) {
	s, dev := newTestServer(t)
	dev.cat.Lookup(catalog.Key{Module: testModule, Code: "Writable"}).Value = false
	s.recipeCfg.RecipeMonitorInfo.SingleModule = []config.SingleModuleEntry{{
		Module:             config.ModuleKeyConfig{BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category},
		RecipeWritablePath: "Writable",
		RecipeValidCode:    "ValidLatch",
	}}
	in := inboundEnvelope{ID: "5", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "write_recipe", List: []inboundItem{{Code: "Speed", Value: json.RawMessage(`7`)}},
	}}
	s.cmdWriteRecipe(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule)
	if len(dev.lastWritten) != 0 {
		t.Fatalf("expected no writes when module not writable, got %d", len(dev.lastWritten))
	}
}

func TestCmdWriteRecipe_NonSingleModuleFallsBackToWrite(t *testing.T) {
	s, dev := newTestServer(t)
	// no SingleModule entries configured: falls back to a plain write.
	in := inboundEnvelope{ID: "6", Data: inboundData{
		BlockID: testModule.BlockID, Index: testModule.Index, Category: testModule.Category,
		Cmd: "write_recipe", List: []inboundItem{{Code: "Speed", Value: json.RawMessage(`9`)}},
	}}
	s.cmdWriteRecipe(context.Background(), "drv/data_cmd", in, dev, dev.cat, testModule)
	if len(dev.lastWritten) != 1 {
		t.Fatalf("expected a single plain write, got %d", len(dev.lastWritten))
	}
}

func TestSingleModule_LookupByModuleKey(t *testing.T) {
	s := &Server{}
	s.recipeCfg.RecipeMonitorInfo.SingleModule = []config.SingleModuleEntry{{
		Module:             config.ModuleKeyConfig{BlockID: 1, Index: 2, Category: "press"},
		RecipeWritablePath: "Writable",
		RecipeValidCode:    "ValidLatch",
	}}
	entry, ok := s.singleModule(testModule)
	if !ok || entry.RecipeWritablePath != "Writable" {
		t.Fatalf("expected single-module entry to resolve, got %+v ok=%v", entry, ok)
	}
	_, ok = s.singleModule(catalog.ModuleKey{BlockID: 9, Index: 9, Category: "other"})
	if ok {
		t.Fatalf("expected no match for unrelated module")
	}
}
