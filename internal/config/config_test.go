package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "driver.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	return p
}

func TestLoadDriverConfig_Defaults(t *testing.T) {
	p := writeTempYAML(t, `basic:
  blockId: 0
  index: 0
  category: Driver
devices:
  plc1:
    basic:
      name: plc1
      link: opcua
      uri: opc.tcp://127.0.0.1:4840
`)
	cfg, err := LoadDriverConfig(p)
	if err != nil {
		t.Fatalf("LoadDriverConfig: %v", err)
	}
	if cfg.Mqtt.Basic.Port != 1883 || cfg.Mqtt.Basic.KeepAliveSecs != 15 {
		t.Fatalf("unexpected mqtt defaults: %+v", cfg.Mqtt.Basic)
	}
	if cfg.Mqtt.Parameter.Topics.SubGuiCmd != "gui-cmd" {
		t.Fatalf("unexpected topic default: %+v", cfg.Mqtt.Parameter.Topics)
	}
	dev := cfg.Devices["plc1"]
	if dev.Basic.TimeoutSecs != 5 {
		t.Fatalf("unexpected device default: %+v", dev.Basic)
	}
}

func TestLoadDriverConfig_S7SlotDefault(t *testing.T) {
	p := writeTempYAML(t, `basic:
  blockId: 0
  index: 0
  category: Driver
devices:
  s7dev:
    basic:
      name: s7dev
      link: s7
      uri: 192.168.0.10
      rack: 0
`)
	cfg, err := LoadDriverConfig(p)
	if err != nil {
		t.Fatalf("LoadDriverConfig: %v", err)
	}
	if cfg.Devices["s7dev"].Basic.Slot != 1 {
		t.Fatalf("expected default slot 1, got %d", cfg.Devices["s7dev"].Basic.Slot)
	}
}

func TestSnapshotCSV(t *testing.T) {
	cfg, err := LoadDriverConfig(writeTempYAML(t, `basic:
  blockId: 0
  index: 0
  category: Driver
`))
	if err != nil {
		t.Fatalf("LoadDriverConfig: %v", err)
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "snapshot.csv")
	if err := SnapshotCSV(out, cfg); err != nil {
		t.Fatalf("SnapshotCSV: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty snapshot")
	}
}
