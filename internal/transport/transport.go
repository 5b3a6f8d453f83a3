// Package transport defines the uniform adapter interface the rest of
// the core consumes, per §4.1, and the adapter factory that dispatches
// on a device's configured link type.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ZHDKk/driver-io/internal/catalog"
)

// ErrUnsupported is returned by Subscribe on transports that don't push
// change notifications (only OPC UA does; S7 never supports it — see
// s7_link.py's subscribe() always returning False).
var ErrUnsupported = errors.New("transport: operation not supported")

// ChangeHandler receives a push notification: (nodeId, value).
type ChangeHandler func(nodeID string, value any)

// WriteTargetRef is the minimal shape Adapter.WriteMany needs: a node
// reference, its declared type, and the value to write.
type WriteTargetRef struct {
	NodeID   string
	S7       catalog.S7Address
	DataType catalog.DataType
	Value    any
}

// Adapter is the uniform capability the session layer consumes,
// abstracting OPC UA and S7 behind {connect, disconnect, readMany,
// writeMany, subscribe}.
type Adapter interface {
	// Connect establishes the underlying client connection. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect tears down the connection. Idempotent.
	Disconnect()
	// LinkState combines the underlying client state with the local
	// failure counter (§4.1: forced unlink above a failure threshold).
	LinkState() bool
	// ReadMany performs a bulk read; partial success is not reported —
	// either every node is returned, or the call fails entirely.
	ReadMany(ctx context.Context, refs []catalog.NodeRef, timeout time.Duration) ([]any, error)
	// WriteMany performs a bulk write across targets.
	WriteMany(ctx context.Context, targets []WriteTargetRef, timeout time.Duration) error
	// Subscribe installs a push-based change handler for refs. Returns
	// ErrUnsupported on transports without push notification (S7).
	Subscribe(ctx context.Context, refs []catalog.NodeRef, onChange ChangeHandler) error
}

// DeviceConfig is the subset of config.DeviceConfig an adapter needs to
// connect, kept transport-package-local to avoid an import cycle with
// internal/config.
type DeviceConfig struct {
	Name             string
	LinkType         string // "opcua" or "s7"
	URI              string
	TimeoutSecs      int
	WatchdogInterval int
	Rack             int
	Slot             int
}
