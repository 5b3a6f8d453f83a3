package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/mq"
	"github.com/ZHDKk/driver-io/internal/scheduler"
	"github.com/ZHDKk/driver-io/internal/session"
	"github.com/ZHDKk/driver-io/internal/transport"
)

// inbound envelope shapes, per §4.5 and §6.

type inboundItem struct {
	Code  string          `json:"code"`
	Value json.RawMessage `json:"value"`
}

type inboundData struct {
	BlockID        int           `json:"blockId"`
	Index          int           `json:"index"`
	Category       string        `json:"category"`
	Cmd            string        `json:"cmd"`
	List           []inboundItem `json:"list"`
	CommandType    string        `json:"commandType"`
	CommandContent struct {
		DevName string `json:"devName"`
	} `json:"commandContent"`
}

type inboundEnvelope struct {
	ID   string      `json:"id"`
	Ask  bool        `json:"ask"`
	Data inboundData `json:"data"`
}

// HandleEnvelope is the scheduler's MQTT pump dispatch hook: it decodes
// one inbound frame, routes it by topic and data.cmd/commandType, and
// always publishes exactly one reply on <topic>/reply, per §4.5.
func (s *Server) HandleEnvelope(ctx context.Context, env mq.Envelope) {
	var in inboundEnvelope
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		s.reply(env.Topic, "", false, fmt.Sprintf("failed to decode envelope: %v", err))
		return
	}
	topics := s.mqtt.Topics()
	if env.Topic == topics.SubGeneralCmd {
		s.handleGeneralCmd(ctx, env.Topic, in)
		return
	}
	s.handleDataCmd(ctx, env.Topic, in)
}

func (s *Server) reply(topic, id string, success bool, message string) {
	payload, err := json.Marshal(replyEnvelope{Success: success, ID: id, Message: message})
	if err != nil {
		s.logger.Printf("server: marshal reply: %v", err)
		return
	}
	s.mqtt.Reply(topic, payload)
}

func (s *Server) handleDataCmd(ctx context.Context, topic string, in inboundEnvelope) {
	mod := catalog.ModuleKey{BlockID: in.Data.BlockID, Index: in.Data.Index, Category: in.Data.Category}
	dev, ok := s.DeviceForModule(mod)
	if !ok {
		s.reply(topic, in.ID, false, fmt.Sprintf("failure to match %s to device", mod))
		return
	}
	cat := dev.Catalog()

	switch in.Data.Cmd {
	case "read":
		s.cmdRead(ctx, topic, in, dev, cat, mod, false, false)
	case "read_struct":
		s.cmdRead(ctx, topic, in, dev, cat, mod, true, false)
	case "read_plc":
		s.cmdRead(ctx, topic, in, dev, cat, mod, false, true)
	case "read_plc_struct":
		s.cmdRead(ctx, topic, in, dev, cat, mod, true, true)
	case "write":
		s.cmdWrite(ctx, topic, in, dev, cat, mod)
	case "write_recipe":
		s.cmdWriteRecipe(ctx, topic, in, dev, cat, mod)
	default:
		s.reply(topic, in.ID, false, fmt.Sprintf("unknown cmd %q", in.Data.Cmd))
	}
}

func (s *Server) cmdRead(ctx context.Context, topic string, in inboundEnvelope, dev deviceHandle, cat *catalog.Catalog, mod catalog.ModuleKey, structured, fromPLC bool) {
	descs := make([]*catalog.VariableDescriptor, 0, len(in.Data.List))
	for _, item := range in.Data.List {
		d := cat.Lookup(catalog.Key{Module: mod, Code: item.Code})
		if d == nil {
			s.reply(topic, in.ID, false, fmt.Sprintf("failure to find %s in the catalog", item.Code))
			return
		}
		descs = append(descs, d)
	}

	if fromPLC && len(descs) > 0 {
		if _, err := dev.Scan(ctx, descs); err != nil {
			s.logger.Printf("server: read_plc %s: %v", mod, err)
		}
	}

	now := time.Now().UnixMilli()
	items := make([]outboundItem, 0, len(descs))
	for _, d := range descs {
		if structured {
			items = append(items, outboundItem{Code: d.Code, Value: d.Value, DataType: d.DataType.String(), ArrLen: d.ArrayDimensions, Time: now})
			continue
		}
		v := anyToCodecValue(d.Value)
		entries, _, _ := codec.Walk(cat, d, v, codec.O2M, codec.OPCUA, codec.Options{ForceEmitAll: true, NowMs: now})
		for _, e := range entries {
			items = append(items, outboundItem{Code: e.Code, Value: goValueOf(e.Value), DataType: e.DataType.String(), ArrLen: e.ArrLen, Time: e.TimeMs})
		}
	}

	env := outboundEnvelope{
		ID:   in.ID,
		Data: outboundData{BlockID: mod.BlockID, Index: mod.Index, Category: mod.Category, List: items},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.reply(topic, in.ID, false, fmt.Sprintf("marshal read reply: %v", err))
		return
	}
	s.mqtt.PublishData(payload)
	s.reply(topic, in.ID, true, "OK")
}

// deviceHandle is the subset of *session.Session the dispatcher needs;
// declared as an interface so dispatch_test.go can exercise it with a
// fake device instead of a live transport-backed Session.
type deviceHandle interface {
	Catalog() *catalog.Catalog
	Scan(ctx context.Context, nodes []*catalog.VariableDescriptor) ([]codec.Entry, error)
	WriteMany(ctx context.Context, targets []transport.WriteTargetRef, timeout time.Duration) error
}

func (s *Server) cmdWrite(ctx context.Context, topic string, in inboundEnvelope, dev deviceHandle, cat *catalog.Catalog, mod catalog.ModuleKey) {
	targets, errMsgs := s.decodeWriteTargets(cat, mod, in.Data.List)
	if len(errMsgs) > 0 {
		s.reply(topic, in.ID, false, strings.Join(errMsgs, ";"))
		return
	}
	if len(targets) == 0 {
		s.reply(topic, in.ID, false, "failure to get code list")
		return
	}
	if err := dev.WriteMany(ctx, targets, 500*time.Millisecond); err != nil {
		s.reply(topic, in.ID, false, fmt.Sprintf("failure to write: %v", err))
		return
	}
	s.reply(topic, in.ID, true, "OK")
}

func (s *Server) decodeWriteTargets(cat *catalog.Catalog, mod catalog.ModuleKey, items []inboundItem) ([]transport.WriteTargetRef, []string) {
	var targets []transport.WriteTargetRef
	var errMsgs []string
	for _, item := range items {
		d := cat.Lookup(catalog.Key{Module: mod, Code: item.Code})
		if d == nil {
			errMsgs = append(errMsgs, fmt.Sprintf("unknown code %s", item.Code))
			continue
		}
		var raw any
		if err := json.Unmarshal(item.Value, &raw); err != nil {
			errMsgs = append(errMsgs, fmt.Sprintf("%s: bad value: %v", item.Code, err))
			continue
		}
		val := anyToCodecValue(raw)
		_, wtargets, errs := codec.Walk(cat, d, val, codec.M2O, codec.OPCUA, codec.Options{})
		for _, e := range errs {
			errMsgs = append(errMsgs, e.Error())
		}
		for _, t := range wtargets {
			targets = append(targets, transport.WriteTargetRef{
				NodeID:   t.NodeID,
				S7:       t.S7,
				DataType: t.DataType,
				Value:    goValueOf(t.Value),
			})
		}
	}
	return targets, errMsgs
}

// cmdWriteRecipe mirrors mqtt_cmd_parse's write_recipe branch: a
// "single module" (one with a writable gate and a recipe-valid latch)
// must have recipeWritable=true, gets recipeValid=true, the write, then
// recipeValid=false, per §4.5.
func (s *Server) cmdWriteRecipe(ctx context.Context, topic string, in inboundEnvelope, dev deviceHandle, cat *catalog.Catalog, mod catalog.ModuleKey) {
	single, isSingle := s.singleModule(mod)
	if !isSingle {
		s.cmdWrite(ctx, topic, in, dev, cat, mod)
		return
	}

	writableDesc := cat.Lookup(catalog.Key{Module: mod, Code: single.RecipeWritablePath})
	validDesc := cat.Lookup(catalog.Key{Module: mod, Code: single.RecipeValidCode})
	if writableDesc == nil || validDesc == nil {
		s.reply(topic, in.ID, false, fmt.Sprintf("module %s has no recipe gate configured", mod))
		return
	}
	writable, _ := writableDesc.Value.(bool)
	if !writable {
		s.reply(topic, in.ID, false, fmt.Sprintf("module %s does not currently support recipe download", mod))
		return
	}

	if err := dev.WriteMany(ctx, []transport.WriteTargetRef{{
		NodeID: validDesc.NodeID, S7: validDesc.S7, DataType: validDesc.DataType, Value: true,
	}}, 1500*time.Millisecond); err != nil {
		s.reply(topic, in.ID, false, fmt.Sprintf("failure to set recipe valid: %v", err))
		return
	}

	targets, errMsgs := s.decodeWriteTargets(cat, mod, in.Data.List)
	writeErr := error(nil)
	if len(errMsgs) > 0 {
		writeErr = fmt.Errorf("%s", strings.Join(errMsgs, ";"))
	} else {
		writeErr = dev.WriteMany(ctx, targets, 500*time.Millisecond)
	}

	_ = dev.WriteMany(ctx, []transport.WriteTargetRef{{
		NodeID: validDesc.NodeID, S7: validDesc.S7, DataType: validDesc.DataType, Value: false,
	}}, 1500*time.Millisecond)

	if writeErr != nil {
		s.reply(topic, in.ID, false, fmt.Sprintf("failure to write recipe: %v", writeErr))
		return
	}
	s.reply(topic, in.ID, true, "OK")
}

func (s *Server) singleModule(mod catalog.ModuleKey) (singleModuleEntry, bool) {
	for _, sm := range s.recipeCfg.RecipeMonitorInfo.SingleModule {
		if (catalog.ModuleKey{BlockID: sm.Module.BlockID, Index: sm.Module.Index, Category: sm.Module.Category}) == mod {
			return singleModuleEntry{RecipeWritablePath: sm.RecipeWritablePath, RecipeValidCode: sm.RecipeValidCode}, true
		}
	}
	return singleModuleEntry{}, false
}

type singleModuleEntry struct {
	RecipeWritablePath string
	RecipeValidCode    string
}

// --- general-cmd (§4.5) ---

const (
	devReconnectWait = 8 * time.Second
)

func (s *Server) handleGeneralCmd(ctx context.Context, topic string, in inboundEnvelope) {
	reqMod := catalog.ModuleKey{BlockID: in.Data.BlockID, Index: in.Data.Index, Category: in.Data.Category}
	driverMod := catalog.ModuleKey{BlockID: s.cfg.Basic.BlockID, Index: s.cfg.Basic.Index, Category: s.cfg.Basic.Category}

	isWildcard := in.Data.CommandType == "DEV_RECONNECT" && in.Data.BlockID == 0 && in.Data.Index == 0 && in.Data.Category == ""
	if reqMod != driverMod && !isWildcard {
		s.reply(topic, in.ID, false, fmt.Sprintf("unmatched module %s", reqMod))
		return
	}

	devName := in.Data.CommandContent.DevName
	dev, ok := s.devices[devName]
	if !ok && in.Data.CommandType != "MODIFY_CONFIG" && in.Data.CommandType != "RESTART_PROCESS" &&
		in.Data.CommandType != "START_BROWSE_PROCESS" && in.Data.CommandType != "STOP_BROWSE_PROCESS" {
		s.reply(topic, in.ID, false, fmt.Sprintf("unknown device %q", devName))
		return
	}

	switch in.Data.CommandType {
	case "DEV_CONNECT":
		if err := dev.Connect(ctx); err != nil {
			s.reply(topic, in.ID, false, fmt.Sprintf("%s connect failed: %v", devName, err))
			return
		}
		s.reply(topic, in.ID, true, fmt.Sprintf("%s connected", devName))
	case "DEV_DISCONNECT":
		dev.Disconnect()
		s.reply(topic, in.ID, true, fmt.Sprintf("%s disconnected", devName))
	case "DEV_RECONNECT":
		dev.Disconnect()
		if err := dev.Load(); err != nil {
			s.logger.Printf("server: %s: reload catalog failed: %v", devName, err)
		}
		s.waitForAutoReconnect(ctx, dev)
		if !dev.Connecting() {
			if err := dev.Connect(ctx); err != nil {
				s.reply(topic, in.ID, false, fmt.Sprintf("%s reconnect failed: %v", devName, err))
				return
			}
		}
		s.reply(topic, in.ID, true, fmt.Sprintf("%s reconnected", devName))
	case "MODIFY_CONFIG":
		s.reply(topic, in.ID, true, "config modification accepted")
	case "RESTART_PROCESS":
		s.publishShutdownSnapshot()
		s.restartRequested = true
		s.reply(topic, in.ID, true, fmt.Sprintf("%s restarting", driverMod))
	case "START_BROWSE_PROCESS", "STOP_BROWSE_PROCESS":
		s.reply(topic, in.ID, false, ErrNotImplemented.Error())
	default:
		s.reply(topic, in.ID, false, fmt.Sprintf("unknown commandType %q", in.Data.CommandType))
	}
}

// waitForAutoReconnect blocks up to devReconnectWait, or until ctx ends,
// giving the device's own manage-loop reconnect a chance to bring it
// back up on its own, mirroring dev_reconnect()'s asyncio.sleep(8) wait.
func (s *Server) waitForAutoReconnect(ctx context.Context, dev *session.Session) {
	t := time.NewTimer(devReconnectWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// publishShutdownSnapshot forces every device's connecting flag false in
// one final snapshot before a restart, per distribution.py
// before_restarting().
func (s *Server) publishShutdownSnapshot() {
	statuses := make([]scheduler.DeviceStatus, 0, len(s.devices))
	for name := range s.devices {
		statuses = append(statuses, scheduler.DeviceStatus{Name: name, Connecting: false})
	}
	s.publishDeviceStatuses(statuses)
}
