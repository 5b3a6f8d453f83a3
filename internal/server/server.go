// Package server composes the per-device sessions, MQTT link, recipe
// orchestrator and scheduler into the DistributionServer singleton of
// §3, and implements the command dispatcher of §4.5. Grounded on
// original_source/distribution.py's distribution_server class
// (initialize/close lifecycle, mqtt_parse/mqtt_cmd_parse/
// mqtt_general_command dispatch) and the teacher's main() for signal
// handling and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/mqttlink"
	"github.com/ZHDKk/driver-io/internal/recipe"
	"github.com/ZHDKk/driver-io/internal/scheduler"
	"github.com/ZHDKk/driver-io/internal/session"
)

// ErrNotImplemented is returned by the browse-process verbs, which are
// out of scope (§1 Non-goals: "the separate variable-browsing process").
var ErrNotImplemented = errors.New("server: command not implemented")

// Server is the process-wide DistributionServer singleton: it owns
// every device session, the MQTT link, the driver/recipe configuration
// and the recipe orchestrator.
type Server struct {
	cfg       config.DriverConfig
	recipeCfg config.RecipeConfig
	devices   map[string]*session.Session
	mqtt      *mqttlink.Link
	orch      *recipe.Orchestrator
	sched     *scheduler.Scheduler
	logger    *log.Logger

	restartRequested bool
}

// New builds the Server and every device session, but connects nothing
// yet; call Run to bring the system up.
func New(cfg config.DriverConfig, recipeCfg config.RecipeConfig, logger *log.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		recipeCfg: recipeCfg,
		devices:   make(map[string]*session.Session, len(cfg.Devices)),
		logger:    logger,
	}
	s.mqtt = mqttlink.New(cfg.Mqtt, logger, 4096)
	for name, devCfg := range cfg.Devices {
		s.devices[name] = session.New(name, devCfg, s.onDeviceChange)
	}
	s.orch = recipe.New(recipeCfg, s, s.mqtt)

	linkTypes := make(map[string]string, len(cfg.Devices))
	for name, devCfg := range cfg.Devices {
		linkTypes[name] = devCfg.Basic.LinkType
	}
	s.sched = scheduler.New(s.devices, linkTypes, s.orch, s.mqtt.Inbox(),
		s.HandleEnvelope, s.publishDeviceStatuses, s.publishFullSnapshot, logger)
	return s
}

// DeviceForModule implements recipe.DeviceResolver: it scans every
// device's catalog for a matching module, since modules aren't
// statically assigned to devices in the driver config.
func (s *Server) DeviceForModule(m catalog.ModuleKey) (*session.Session, bool) {
	for _, dev := range s.devices {
		for _, mod := range dev.Catalog().Modules() {
			if mod == m {
				return dev, true
			}
		}
	}
	return nil, false
}

// RestartRequested reports whether a RESTART_PROCESS general-cmd has
// asked the supervisory loop to relaunch the binary.
func (s *Server) RestartRequested() bool { return s.restartRequested }

// Run loads and connects every configured device, dials the MQTT
// broker, then drives the scheduler until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for name, dev := range s.devices {
		devCfg := s.cfg.Devices[name]
		if !devCfg.Control.Load {
			continue
		}
		if err := dev.Load(); err != nil {
			s.logger.Printf("server: %s: load failed: %v", name, err)
			continue
		}
		if devCfg.Control.Link {
			if err := dev.Connect(ctx); err != nil {
				s.logger.Printf("server: %s: connect failed: %v", name, err)
			}
		}
	}
	if err := s.mqtt.Connect(); err != nil {
		return fmt.Errorf("server: mqtt connect: %w", err)
	}
	defer s.mqtt.Disconnect()
	return s.sched.Run(ctx)
}

// onDeviceChange is the session.ChangedHandler wired into every device:
// it publishes changed/forced entries as a drv-data envelope, grouped
// by module since a single scan can touch many modules at once.
func (s *Server) onDeviceChange(deviceName string, entries []codec.Entry) {
	if len(entries) == 0 {
		return
	}
	byModule := make(map[catalog.ModuleKey][]codec.Entry)
	var order []catalog.ModuleKey
	for _, e := range entries {
		if _, ok := byModule[e.Module]; !ok {
			order = append(order, e.Module)
		}
		byModule[e.Module] = append(byModule[e.Module], e)
	}
	for _, mod := range order {
		s.publishDataEnvelope(mod, byModule[mod])
	}
}

// --- outbound envelope shapes (§6) ---

type outboundItem struct {
	Code     string `json:"code"`
	Value    any    `json:"value"`
	DataType string `json:"dataType"`
	ArrLen   int    `json:"arrLen"`
	Time     int64  `json:"time"`
}

type outboundData struct {
	BlockID  int            `json:"blockId"`
	Index    int            `json:"index"`
	Category string         `json:"category"`
	List     []outboundItem `json:"list"`
}

type outboundEnvelope struct {
	ID   string       `json:"id"`
	Ask  bool         `json:"ask"`
	Data outboundData `json:"data"`
}

type replyEnvelope struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *Server) publishDataEnvelope(mod catalog.ModuleKey, entries []codec.Entry) {
	items := make([]outboundItem, len(entries))
	for i, e := range entries {
		items[i] = outboundItem{
			Code:     e.Code,
			Value:    goValueOf(e.Value),
			DataType: e.DataType.String(),
			ArrLen:   e.ArrLen,
			Time:     e.TimeMs,
		}
	}
	env := outboundEnvelope{
		Data: outboundData{BlockID: mod.BlockID, Index: mod.Index, Category: mod.Category, List: items},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Printf("server: marshal drv data: %v", err)
		return
	}
	s.mqtt.PublishData(payload)
}

// publishDeviceStatuses is the status-broadcast loop's publish hook.
func (s *Server) publishDeviceStatuses(statuses []scheduler.DeviceStatus) {
	type status struct {
		Name       string `json:"name"`
		Connecting bool   `json:"connecting"`
	}
	out := make([]status, len(statuses))
	for i, st := range statuses {
		out[i] = status{Name: st.Name, Connecting: st.Connecting}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		s.logger.Printf("server: marshal modules status: %v", err)
		return
	}
	s.mqtt.PublishModulesStatus(payload)
}

// publishFullSnapshot is the device-manage loop's publish hook: a full
// driver status snapshot of every device's catalog, per §4.4.
func (s *Server) publishFullSnapshot() {
	type deviceSnapshot struct {
		Name       string `json:"name"`
		Connecting bool   `json:"connecting"`
		Variables  int    `json:"variables"`
	}
	out := make([]deviceSnapshot, 0, len(s.devices))
	for name, dev := range s.devices {
		out = append(out, deviceSnapshot{
			Name:       name,
			Connecting: dev.Connecting(),
			Variables:  len(dev.Catalog().All()),
		})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		s.logger.Printf("server: marshal driver snapshot: %v", err)
		return
	}
	s.mqtt.PublishDataStruct(payload)
}

func goValueOf(v codec.Value) any {
	switch v.Kind {
	case codec.KindBool:
		return v.B
	case codec.KindInt:
		return v.I
	case codec.KindFloat:
		return v.F
	case codec.KindString:
		return v.S
	case codec.KindBytes:
		return v.Byts
	default:
		return nil
	}
}

func anyToCodecValue(v any) codec.Value {
	switch t := v.(type) {
	case nil:
		return codec.Null()
	case bool:
		return codec.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return codec.Int(int64(t))
		}
		return codec.Float(t)
	case string:
		return codec.Str(t)
	case []any:
		seq := make([]codec.Value, len(t))
		for i, e := range t {
			seq[i] = anyToCodecValue(e)
		}
		return codec.Sequence(seq)
	case map[string]any:
		m := make(map[string]codec.Value, len(t))
		for k, e := range t {
			m[k] = anyToCodecValue(e)
		}
		return codec.Mapping(m)
	default:
		return codec.Null()
	}
}
