// Package session implements the per-device session: the five phases
// of load, connect, scan, safety-clear and manage, binding one
// transport adapter to one catalog, grounded in full on
// original_source/device.py.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/errs"
	"github.com/ZHDKk/driver-io/internal/transport"
)

// ChangedHandler is invoked with the O2M entries produced by one scan
// or subscription notification, tagged with the owning device's name.
type ChangedHandler func(deviceName string, entries []codec.Entry)

// Session is one device: its catalog, transport adapter and control
// state. All phase methods are safe for concurrent use against other
// devices, but serialize against each other on this one device via mu
// (§5 — Go's scheduler is preemptive, the source's single-thread
// cooperative discipline is replaced with an explicit lock).
type Session struct {
	Name string

	mu      sync.Mutex
	cat     *catalog.Catalog
	adapter transport.Adapter
	cfg     config.DeviceConfig

	connecting bool
	loaded     bool

	onChange ChangedHandler
}

// New constructs a Session for one device entry. The transport adapter
// is not connected yet; call Load then Connect.
func New(name string, cfg config.DeviceConfig, onChange ChangedHandler) *Session {
	return &Session{
		Name:     name,
		cat:      catalog.New(),
		cfg:      cfg,
		onChange: onChange,
	}
}

// Connecting reports the last-known link state without touching the
// transport (cheap, used by the manage/status-broadcast loops).
func (s *Session) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

// Catalog exposes the device's catalog for dispatcher lookups.
func (s *Session) Catalog() *catalog.Catalog {
	return s.cat
}

// Load reads the catalog CSV and builds the read/timed-clear blocks,
// per §4.3 phase 1.
func (s *Session) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := catalog.LoadCSV(s.cfg.Basic.CatalogCSVPath)
	if err != nil {
		return errs.Wrap(errs.ConfigError, "session.Load", err)
	}
	s.cat = cat
	s.loaded = true
	return nil
}

// Connect establishes the transport connection and, for OPC UA,
// subscribes to the catalog's subscription block, per §4.3 phase 2.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	adapter := s.adapter
	if adapter == nil {
		a, err := transport.New(transport.DeviceConfig{
			Name:             s.Name,
			LinkType:         s.cfg.Basic.LinkType,
			URI:              s.cfg.Basic.URI,
			TimeoutSecs:      s.cfg.Basic.TimeoutSecs,
			WatchdogInterval: s.cfg.Basic.WatchdogInterval,
			Rack:             s.cfg.Basic.Rack,
			Slot:             s.cfg.Basic.Slot,
		})
		if err != nil {
			return errs.Wrap(errs.ConfigError, "session.Connect", err)
		}
		adapter = a
	}
	if err := adapter.Connect(ctx); err != nil {
		return errs.Wrap(errs.TransportFatal, "session.Connect", err)
	}
	s.adapter = adapter
	s.connecting = true

	subBlock := s.cat.SubscriptionBlock()
	if len(subBlock) > 0 {
		refs := nodeRefsFor(subBlock)
		if err := adapter.Subscribe(ctx, refs, s.handleChange); err != nil && err != transport.ErrUnsupported {
			log.Printf("session: %s: subscribe failed: %v", s.Name, err)
		}
	}
	return nil
}

func (s *Session) handleChange(nodeID string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc := s.cat.LookupByNodeID(nodeID)
	if desc == nil {
		return
	}
	v := anyToCodecValue(value)
	entries, _, _ := codec.Walk(s.cat, desc, v, codec.O2M, codec.OPCUA, codec.Options{NowMs: time.Now().UnixMilli()})
	if s.onChange != nil && len(entries) > 0 {
		s.onChange(s.Name, entries)
	}
}

// Disconnect tears down the transport connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		s.adapter.Disconnect()
	}
	s.connecting = false
}

// Scan performs one read cycle over the persistent read block, per
// §4.3 phase 3. nodes == nil means "use the persistent read block";
// a non-nil slice runs a one-shot read over exactly those descriptors
// (the read_plc/read_plc_struct command path, preserved from
// read_variable_block's dual mode).
func (s *Session) Scan(ctx context.Context, nodes []*catalog.VariableDescriptor) ([]codec.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || s.adapter == nil {
		return nil, nil
	}
	block := nodes
	if block == nil {
		block = s.cat.ReadBlock()
		if !s.cfg.Control.Read || len(block) == 0 {
			return nil, nil
		}
	}

	refs := nodeRefsFor(block)
	rctx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	vals, err := s.adapter.ReadMany(rctx, refs, 1500*time.Millisecond)
	if err != nil {
		return nil, errs.Wrap(errs.TransportTransient, "session.Scan", err)
	}

	var all []codec.Entry
	now := time.Now().UnixMilli()
	for i, desc := range block {
		v := anyToCodecValue(vals[i])
		entries, _, _ := codec.Walk(s.cat, desc, v, codec.O2M, transportKind(s.cfg.Basic.LinkType), codec.Options{
			ForceEmitAll: nodes == nil,
			NowMs:        now,
		})
		all = append(all, entries...)
	}
	if s.onChange != nil && len(all) > 0 {
		s.onChange(s.Name, all)
	}
	return all, nil
}

// SafetyClear runs §4.3 phase 4: once a timed-clear descriptor has had
// at least three successful reads, a value held true past its timeout
// is force-cleared; before that, its false-time is only refreshed.
func (s *Session) SafetyClear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connecting || s.adapter == nil {
		return nil
	}
	block := s.cat.TimedClearBlock()
	if len(block) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	var targets []transport.WriteTargetRef
	for _, desc := range block {
		current, _ := desc.Value.(bool)
		if desc.SuccessfulReads() < 3 || !current {
			desc.FalseTime = now
			continue
		}
		if now-desc.FalseTime >= int64(desc.TimedClearTimeMs) {
			targets = append(targets, transport.WriteTargetRef{
				NodeID:   desc.NodeID,
				S7:       desc.S7,
				DataType: desc.DataType,
				Value:    false,
			})
		}
	}
	if len(targets) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := s.adapter.WriteMany(wctx, targets, 200*time.Millisecond); err != nil {
		return errs.Wrap(errs.TransportTransient, "session.SafetyClear", err)
	}
	return nil
}

// Manage runs §4.3 phase 5: reconciles the configured link intent with
// the observed connection state. Disconnect-before-reconnect ordering
// is preserved exactly, since OPC UA needs a fresh client after a stale
// session (device_manager's reconcile order).
func (s *Session) Manage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linkUp := s.adapter != nil && s.adapter.LinkState()
	s.connecting = linkUp

	shouldDisconnect := s.connecting && (!s.cfg.Control.Link || !s.loaded)
	if shouldDisconnect {
		if s.adapter != nil {
			s.adapter.Disconnect()
		}
		s.connecting = false
	}

	if s.cfg.Control.Link && !s.connecting && s.loaded {
		if s.cfg.Basic.LinkType == "opcua" {
			// force a fresh client, mirroring device_manager's
			// recreate-before-reconnect for OPC UA.
			s.adapter = nil
		}
		if err := s.connectLocked(ctx); err != nil {
			return errs.Wrap(errs.TransportTransient, "session.Manage", err)
		}
	}
	return nil
}

// WriteMany applies write targets via the underlying adapter, used by
// the command dispatcher's write/write_recipe verbs.
func (s *Session) WriteMany(ctx context.Context, targets []transport.WriteTargetRef, timeout time.Duration) error {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return errs.New(errs.TransportFatal, "session.WriteMany", "device not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := adapter.WriteMany(wctx, targets, timeout); err != nil {
		return errs.Wrap(errs.TransportTransient, "session.WriteMany", err)
	}
	return nil
}

func nodeRefsFor(descs []*catalog.VariableDescriptor) []catalog.NodeRef {
	refs := make([]catalog.NodeRef, len(descs))
	for i, d := range descs {
		refs[i] = catalog.NodeRef{
			Key:      catalog.Key{Module: d.Module, Code: d.Code},
			NodeID:   d.NodeID,
			S7:       d.S7,
			DataType: d.DataType,
		}
	}
	return refs
}

func transportKind(linkType string) codec.Transport {
	if linkType == "s7" {
		return codec.S7
	}
	return codec.OPCUA
}

func anyToCodecValue(v any) codec.Value {
	switch t := v.(type) {
	case nil:
		return codec.Null()
	case bool:
		return codec.Bool(t)
	case int:
		return codec.Int(int64(t))
	case int8:
		return codec.Int(int64(t))
	case int16:
		return codec.Int(int64(t))
	case int32:
		return codec.Int(int64(t))
	case int64:
		return codec.Int(t)
	case uint8:
		return codec.Int(int64(t))
	case uint16:
		return codec.Int(int64(t))
	case uint32:
		return codec.Int(int64(t))
	case uint64:
		return codec.Int(int64(t))
	case float32:
		return codec.Float(float64(t))
	case float64:
		return codec.Float(t)
	case string:
		return codec.Str(t)
	case []byte:
		return codec.Bytes(t)
	case []any:
		seq := make([]codec.Value, len(t))
		for i, e := range t {
			seq[i] = anyToCodecValue(e)
		}
		return codec.Sequence(seq)
	default:
		return codec.Null()
	}
}
