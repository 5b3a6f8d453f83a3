// Package recipe implements the recipe orchestrator state machine of
// §4.6, grounded on original_source/recipe.py's
// request_recipe_handle_gather_link (the most complete of several
// near-duplicate handlers the source accumulated over time) and
// write_all_rv_false.
package recipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/session"
	"github.com/ZHDKk/driver-io/internal/transport"
)

// Result codes, per §4.6 step 4/7/8.
const (
	ResultIdle          = 0
	ResultRequesting    = 1
	ResultDownloading   = 2
	ResultDone          = 3
	ResultNoResponse    = 1001
	ResultSoftwareError = 1002
	ResultRecipeMissing = 1003
	ResultClassInvalid  = 1004
	ResultGateViolation = 1005
	ResultWriteFailure  = 1009
)

// recipeValidKeys / recipeWritableKeys preserve the source's dual-key
// lookup exactly, including the long-standing "Other_Reicpe_*" typo
// some deployed catalogs still carry (§4.6 step 5).
var (
	recipeValidKeys    = []string{"Others_Recipe_valid", "Other_Reicpe_Valid"}
	recipeWritableKeys = []string{"Others_Recipe_Writable", "Other_Reicpe_Writable"}
)

// Broadcaster publishes a best-effort broadcast message; implemented
// by internal/mqttlink.
type Broadcaster interface {
	PublishBroadcast(kind string, data any)
}

// DeviceResolver finds the session owning a module, and the session
// the top-level request itself lives on (the "MC").
type DeviceResolver interface {
	DeviceForModule(m catalog.ModuleKey) (*session.Session, bool)
}

// Orchestrator runs the per-tick recipe-request scan of §4.6.
type Orchestrator struct {
	cfg      config.RecipeConfig
	resolver DeviceResolver
	bus      Broadcaster
	client   *http.Client
}

// New constructs an Orchestrator.
func New(cfg config.RecipeConfig, resolver DeviceResolver, bus Broadcaster) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		bus:      bus,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Tick scans every configured recipe-request table entry once, per
// §4.4's recipe-request loop (0.5s period).
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, req := range o.cfg.RecipeMonitorInfo.RecipeRequest {
		o.tickOne(ctx, req)
	}
}

func (o *Orchestrator) tickOne(ctx context.Context, req config.RecipeRequestEntry) {
	mod := moduleKey(req.Module)
	dev, ok := o.resolver.DeviceForModule(mod)
	if !ok {
		return
	}
	cat := dev.Catalog()

	requestDesc := cat.Lookup(catalog.Key{Module: mod, Code: req.RecipeRequestUpdate})
	resultDesc := cat.Lookup(catalog.Key{Module: mod, Code: req.RecipeRequestResult})
	idDesc := cat.Lookup(catalog.Key{Module: mod, Code: req.RecipeRequestID})
	if requestDesc == nil || resultDesc == nil || idDesc == nil {
		return
	}

	requested, _ := requestDesc.Value.(bool)
	result, _ := toInt(resultDesc.Value)

	// step 8: handshake reset.
	if !requested && result != ResultIdle {
		o.writeResult(ctx, dev, resultDesc, ResultIdle)
		return
	}
	// step 2: begin a new transaction.
	if requested && result == ResultIdle {
		o.runTransaction(ctx, dev, req, mod, idDesc, resultDesc)
	}
}

func (o *Orchestrator) runTransaction(ctx context.Context, dev *session.Session, req config.RecipeRequestEntry, mod catalog.ModuleKey, idDesc, resultDesc *catalog.VariableDescriptor) {
	recipeID := fmt.Sprint(idDesc.Value)
	o.writeResult(ctx, dev, resultDesc, ResultRequesting)

	resp, err := o.fetchRecipe(ctx, req.URI, recipeID)
	if err != nil {
		log.Printf("recipe: %s: request failed: %v", mod, err)
		o.writeResult(ctx, dev, resultDesc, ResultNoResponse)
		return
	}

	switch resp.Code {
	case 10000:
		o.writeResult(ctx, dev, resultDesc, ResultSoftwareError)
		return
	case 20001:
		o.writeResult(ctx, dev, resultDesc, ResultRecipeMissing)
		return
	case 20002:
		o.writeResult(ctx, dev, resultDesc, ResultClassInvalid)
		return
	case 20003:
		if o.bus != nil {
			o.bus.PublishBroadcast("RecipeCheckError", resp.CheckResult)
		}
		o.writeResult(ctx, dev, resultDesc, ResultWriteFailure)
		return
	case 200:
		// falls through to download below.
	default:
		if o.bus != nil {
			o.bus.PublishBroadcast("RecipeDownloadError", resp.Message)
		}
		o.writeResult(ctx, dev, resultDesc, resp.Code)
		return
	}

	o.writeResult(ctx, dev, resultDesc, ResultDownloading)
	o.download(ctx, dev, req, mod, resp, recipeID, resultDesc)
}

type perDeviceWrites struct {
	dev     *session.Session
	targets []transport.WriteTargetRef
}

func (o *Orchestrator) download(ctx context.Context, requestDev *session.Session, req config.RecipeRequestEntry, mod catalog.ModuleKey, resp *httpResponse, recipeID string, resultDesc *catalog.VariableDescriptor) {
	type gate struct {
		dev  *session.Session
		desc *catalog.VariableDescriptor
	}
	var rvGates []gate
	byDevice := make(map[*session.Session]*perDeviceWrites)
	var order []*session.Session

	for _, mr := range resp.Data {
		payloadMod := catalog.ModuleKey{BlockID: mr.BlockID, Index: mr.Index, Category: mr.Category}
		isMC := payloadMod == mod
		if isMC && len(mr.List) > 0 {
			mr.List[0].Value = zeroBasicID(mr.List[0].Value)
		}

		moduleDev, ok := o.resolver.DeviceForModule(payloadMod)
		if !ok {
			log.Printf("recipe: %s: no device owns module %s, skipping", mod, payloadMod)
			continue
		}
		moduleCat := moduleDev.Catalog()

		if !isMC {
			validDesc := lookupFirst(moduleCat, payloadMod, recipeValidKeys)
			writableDesc := lookupFirst(moduleCat, payloadMod, recipeWritableKeys)
			if validDesc == nil || writableDesc == nil {
				o.writeResult(ctx, requestDev, resultDesc, ResultGateViolation)
				return
			}
			writable, _ := writableDesc.Value.(bool)
			if !writable {
				o.writeResult(ctx, requestDev, resultDesc, ResultGateViolation)
				return
			}
			if err := o.writeBool(ctx, moduleDev, validDesc, true); err != nil {
				o.writeResult(ctx, requestDev, resultDesc, ResultGateViolation)
				return
			}
			rvGates = append(rvGates, gate{dev: moduleDev, desc: validDesc})
		}

		for _, item := range mr.List {
			desc := moduleCat.Lookup(catalog.Key{Module: payloadMod, Code: item.Code})
			if desc == nil {
				log.Printf("recipe: %s: unknown code %s, skipping", payloadMod, item.Code)
				continue
			}
			val := jsonToCodecValue(item.Value)
			tr := codec.OPCUA
			_, targets, errs := codec.Walk(moduleCat, desc, val, codec.M2O, tr, codec.Options{})
			for _, e := range errs {
				log.Printf("recipe: %s: %v", payloadMod, e)
			}
			pd, ok := byDevice[moduleDev]
			if !ok {
				pd = &perDeviceWrites{dev: moduleDev}
				byDevice[moduleDev] = pd
				order = append(order, moduleDev)
			}
			for _, t := range targets {
				pd.targets = append(pd.targets, transport.WriteTargetRef{
					NodeID:   t.NodeID,
					S7:       t.S7,
					DataType: t.DataType,
					Value:    goValueOf(t.Value),
				})
			}
		}
	}

	allOK := true
	var okMu sync.Mutex
	var wg sync.WaitGroup
	for _, dev := range order {
		wg.Add(1)
		go func(dev *session.Session, pd *perDeviceWrites) {
			defer wg.Done()
			if err := dev.WriteMany(ctx, pd.targets, 8*time.Second); err != nil {
				log.Printf("recipe: %s: write failed: %v", mod, err)
				okMu.Lock()
				allOK = false
				okMu.Unlock()
			}
		}(dev, byDevice[dev])
	}
	wg.Wait()
	if !allOK {
		o.writeResult(ctx, requestDev, resultDesc, ResultWriteFailure)
		return
	}

	for _, g := range rvGates {
		if err := o.writeBool(ctx, g.dev, g.desc, false); err != nil {
			log.Printf("recipe: %s: write_all_rv_false aborted: %v", mod, err)
			o.writeResult(ctx, requestDev, resultDesc, ResultGateViolation)
			return
		}
	}

	if writeRecipeDesc := requestDev.Catalog().Lookup(catalog.Key{Module: mod, Code: req.RequestNodePath}); writeRecipeDesc != nil {
		_ = o.writeValue(ctx, requestDev, writeRecipeDesc, recipeID)
	}

	if req.RecipeRequestUpdate == "" {
		return
	}
	// Result=3 is written once for single-flow requests; five times for
	// multi-flow (flowIndex supplied), tolerating loss on a best-effort
	// channel (request_recipe_handle_gather_link's flow_index branch).
	repeats := 1
	if hasFlowIndex(req) {
		repeats = 5
	}
	for i := 0; i < repeats; i++ {
		o.writeResult(ctx, requestDev, resultDesc, ResultDone)
	}
}

// hasFlowIndex reports whether this request entry is a multi-flow
// request. The config schema carries no explicit flowIndex field, so
// this is decided by RequestNodePath being populated — the flow-index
// parameter only applies to requests with a per-flow MC write target.
func hasFlowIndex(req config.RecipeRequestEntry) bool {
	return req.RequestNodePath != ""
}

func (o *Orchestrator) writeBool(ctx context.Context, dev *session.Session, desc *catalog.VariableDescriptor, v bool) error {
	return dev.WriteMany(ctx, []transport.WriteTargetRef{{
		NodeID:   desc.NodeID,
		S7:       desc.S7,
		DataType: desc.DataType,
		Value:    v,
	}}, 1500*time.Millisecond)
}

func (o *Orchestrator) writeValue(ctx context.Context, dev *session.Session, desc *catalog.VariableDescriptor, v any) error {
	return dev.WriteMany(ctx, []transport.WriteTargetRef{{
		NodeID:   desc.NodeID,
		S7:       desc.S7,
		DataType: desc.DataType,
		Value:    v,
	}}, 1500*time.Millisecond)
}

func (o *Orchestrator) writeResult(ctx context.Context, dev *session.Session, desc *catalog.VariableDescriptor, code int) {
	if err := o.writeValue(ctx, dev, desc, int64(code)); err != nil {
		log.Printf("recipe: write result=%d failed: %v", code, err)
	}
	desc.Value = int64(code)
}

type httpResponse struct {
	Code        int             `json:"code"`
	Message     string          `json:"message"`
	CheckResult json.RawMessage `json:"checkResult"`
	Data        []modulePayload `json:"data"`
}

type modulePayload struct {
	BlockID  int        `json:"blockId"`
	Index    int        `json:"index"`
	Category string     `json:"category"`
	List     []listItem `json:"list"`
}

type listItem struct {
	Code  string          `json:"code"`
	Value json.RawMessage `json:"value"`
}

func (o *Orchestrator) fetchRecipe(ctx context.Context, rawURL, recipeID string) (*httpResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("recipeId", recipeID)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out httpResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("recipe: decode response: %w", err)
	}
	return &out, nil
}

func lookupFirst(cat *catalog.Catalog, mod catalog.ModuleKey, codes []string) *catalog.VariableDescriptor {
	for _, code := range codes {
		if d := cat.Lookup(catalog.Key{Module: mod, Code: code}); d != nil {
			return d
		}
	}
	return nil
}

func moduleKey(c config.ModuleKeyConfig) catalog.ModuleKey {
	return catalog.ModuleKey{BlockID: c.BlockID, Index: c.Index, Category: c.Category}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

// zeroBasicID clears list[0].value.Basic.Id, per §4.6 step 5's MC
// special case (recipe.py's `mr["list"][0]["value"]["Basic"]["Id"] = 0`).
func zeroBasicID(raw json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	basicRaw, ok := m["Basic"]
	if !ok {
		return raw
	}
	var basic map[string]json.RawMessage
	if err := json.Unmarshal(basicRaw, &basic); err != nil {
		return raw
	}
	basic["Id"] = json.RawMessage("0")
	newBasic, err := json.Marshal(basic)
	if err != nil {
		return raw
	}
	m["Basic"] = newBasic
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

func jsonToCodecValue(raw json.RawMessage) codec.Value {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return codec.Null()
	}
	return anyToCodecValue(v)
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
