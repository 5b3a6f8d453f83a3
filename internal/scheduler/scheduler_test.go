package scheduler

import (
	"bytes"
	"context"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/mq"
	"github.com/ZHDKk/driver-io/internal/session"
)

func testLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func TestNew_SplitsDevicesByLinkType(t *testing.T) {
	devices := map[string]*session.Session{
		"plc1": session.New("plc1", config.DeviceConfig{}, nil),
		"plc2": session.New("plc2", config.DeviceConfig{}, nil),
	}
	linkTypes := map[string]string{"plc1": "s7", "plc2": "opcua"}
	s := New(devices, linkTypes, nil, mq.New(4), func(context.Context, mq.Envelope) {}, nil, nil, testLogger())
	if len(s.s7Devices) != 1 || s.s7Devices[0] != "plc1" {
		t.Fatalf("expected plc1 classified as s7, got %v", s.s7Devices)
	}
	if len(s.opcuaDevices) != 1 || s.opcuaDevices[0] != "plc2" {
		t.Fatalf("expected plc2 classified as opcua, got %v", s.opcuaDevices)
	}
}

func TestMqttPump_DispatchesAndStopsOnCancel(t *testing.T) {
	inbox := mq.New(4)
	inbox.Push(mq.Envelope{Topic: "drv/cmd", Payload: []byte("x")})

	var dispatched atomic.Int32
	s := New(nil, nil, nil, inbox, func(_ context.Context, env mq.Envelope) {
		dispatched.Add(1)
	}, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.mqttPump(ctx) }()

	deadline := time.After(2 * time.Second)
	for dispatched.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done
}

func TestStatusBroadcastTick_ReportsEveryDevice(t *testing.T) {
	devices := map[string]*session.Session{
		"plc1": session.New("plc1", config.DeviceConfig{}, nil),
	}
	var got []DeviceStatus
	s := New(devices, map[string]string{"plc1": "opcua"}, nil, mq.New(1), func(context.Context, mq.Envelope) {},
		func(ds []DeviceStatus) { got = ds }, nil, testLogger())
	s.statusBroadcastTick(context.Background())
	if len(got) != 1 || got[0].Name != "plc1" || got[0].Connecting {
		t.Fatalf("unexpected status: %+v", got)
	}
}
