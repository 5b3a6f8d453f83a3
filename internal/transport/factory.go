package transport

import (
	"fmt"
	"time"

	"github.com/ZHDKk/driver-io/internal/transport/opcua"
	"github.com/ZHDKk/driver-io/internal/transport/s7"
)

// New constructs the concrete Adapter for cfg.LinkType, dispatching
// between the OPC UA and S7 implementations, per §4.1's "the driver
// selects an adapter by the device's configured link type".
func New(cfg DeviceConfig) (Adapter, error) {
	switch cfg.LinkType {
	case "opcua":
		return opcua.New(opcua.Config{
			Endpoint:       cfg.URI,
			SecurityPolicy: "None",
			SecurityMode:   "None",
			BaseTimeout:    time.Duration(cfg.TimeoutSecs) * time.Second,
		}), nil
	case "s7":
		return s7.New(s7.Config{
			Host:    cfg.URI,
			Rack:    cfg.Rack,
			Slot:    cfg.Slot,
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("transport: unknown link type %q for device %q", cfg.LinkType, cfg.Name)
	}
}
