// Package opcua implements the OPC UA transport adapter, grounded on
// other_examples/IamMikeHelsel-bifrost's OPCUAHandler client/connection
// shape and original_source/opcua_link.py's retry, batching and
// verification behavior, per SPEC_FULL.md §4.1.
package opcua

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ZHDKk/driver-io/internal/catalog"
	"github.com/ZHDKk/driver-io/internal/codec"
	"github.com/ZHDKk/driver-io/internal/transport"
)

// Defaults grounded on opcua_link.py's opcua_linker constructor.
const (
	DefaultRetryWriteMax         = 5
	DefaultBaseTimeout           = 2 * time.Second
	DefaultMaxTimeout            = 30 * time.Second
	DefaultReadRetryMax          = 3
	DefaultVerificationRetryMax  = 3
	DefaultMinBatchSize          = 50
	DefaultMaxBatchSize          = 400
	forcedUnlinkFailureThreshold = 5
)

// Config configures one OPC UA adapter instance.
type Config struct {
	Endpoint                string
	SecurityPolicy          string
	SecurityMode            string
	Username                string
	Password                string
	SessionTimeout          time.Duration
	RetryWriteMax           int
	ReadRetryMax            int
	VerificationRetryMax    int
	VerificationEnabled     bool
	MinBatchSize            int
	MaxBatchSize            int
	BaseTimeout             time.Duration
	MaxTimeout              time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RetryWriteMax == 0 {
		out.RetryWriteMax = DefaultRetryWriteMax
	}
	if out.ReadRetryMax == 0 {
		out.ReadRetryMax = DefaultReadRetryMax
	}
	if out.VerificationRetryMax == 0 {
		out.VerificationRetryMax = DefaultVerificationRetryMax
	}
	if out.MinBatchSize == 0 {
		out.MinBatchSize = DefaultMinBatchSize
	}
	if out.MaxBatchSize == 0 {
		out.MaxBatchSize = DefaultMaxBatchSize
	}
	if out.BaseTimeout == 0 {
		out.BaseTimeout = DefaultBaseTimeout
	}
	if out.MaxTimeout == 0 {
		out.MaxTimeout = DefaultMaxTimeout
	}
	return out
}

// Client is the OPC UA transport.Adapter implementation.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	client    *opcua.Client
	connected bool

	rwFailureCount int
	sub            *opcua.Subscription
}

// New constructs a Client. Connect must be called before use.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

var _ transport.Adapter = (*Client)(nil)

// Connect dials the endpoint and establishes an OPC UA session. One
// logical client suffices (§4.1: "Holds two logical clients is not
// required").
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	opts := []opcua.Option{
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.SecurityModeString(c.cfg.SecurityMode),
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	}
	cl, err := opcua.NewClient(c.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("opcua: new client: %w", err)
	}
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("opcua: connect: %w", err)
	}
	c.client = cl
	c.connected = true
	c.rwFailureCount = 0
	return nil
}

// Disconnect tears down the session. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close(context.Background())
		c.client = nil
	}
	c.connected = false
	c.sub = nil
}

// LinkState combines the live client state with the failure counter:
// more than forcedUnlinkFailureThreshold consecutive failures forces a
// disconnect so the manage loop can reconnect.
func (c *Client) LinkState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwFailureCount > forcedUnlinkFailureThreshold {
		if c.client != nil {
			_ = c.client.Close(context.Background())
			c.client = nil
		}
		c.connected = false
	}
	return c.connected
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rwFailureCount > 0 {
		c.rwFailureCount -= 2
		if c.rwFailureCount < 0 {
			c.rwFailureCount = 0
		}
	}
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rwFailureCount++
}

// ReadMany reads refs with up to ReadRetryMax retries, exponential
// backoff 0.05*2^n, and an adjusted timeout of base + 0.2s/node,
// per §4.1. All-or-nothing: any failing node fails the whole batch.
func (c *Client) ReadMany(ctx context.Context, refs []catalog.NodeRef, timeout time.Duration) ([]any, error) {
	adjusted := timeout + time.Duration(len(refs))*200*time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ReadRetryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(0.05*math.Pow(2, float64(attempt)) * float64(time.Second))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vals, err := c.readOnce(ctx, refs, adjusted)
		if err == nil {
			c.recordSuccess()
			return vals, nil
		}
		lastErr = err
	}
	c.recordFailure()
	return nil, fmt.Errorf("opcua: read failed after %d attempts: %w", c.cfg.ReadRetryMax+1, lastErr)
}

func (c *Client) readOnce(ctx context.Context, refs []catalog.NodeRef, timeout time.Duration) ([]any, error) {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return nil, fmt.Errorf("opcua: not connected")
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ids := make([]*ua.ReadValueID, 0, len(refs))
	for _, r := range refs {
		nid, err := ua.ParseNodeID(r.NodeID)
		if err != nil {
			return nil, fmt.Errorf("opcua: parse node id %q: %w", r.NodeID, err)
		}
		ids = append(ids, &ua.ReadValueID{NodeID: nid})
	}
	req := &ua.ReadRequest{
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	resp, err := cl.Read(rctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(resp.Results))
	for i, res := range resp.Results {
		if res.Status != ua.StatusOK {
			return nil, fmt.Errorf("opcua: node %d status %v", i, res.Status)
		}
		out[i] = convertVariant(res.Value)
	}
	return out, nil
}

func convertVariant(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

// WriteMany splits targets into adaptive batches, writes each with
// exponential-backoff retry, and optionally verifies by re-reading and
// comparing via the tolerance predicate, per §4.1.
func (c *Client) WriteMany(ctx context.Context, targets []transport.WriteTargetRef, timeout time.Duration) error {
	batchSize := c.adaptiveBatchSize(len(targets))
	writeTimeout := c.calculateTimeout(len(targets), timeout)

	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]
		if err := c.writeBatchWithRetry(ctx, batch, writeTimeout, 0); err != nil {
			return err
		}
		if c.cfg.VerificationEnabled {
			if err := c.verifyWriteWithRetry(ctx, batch, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) adaptiveBatchSize(total int) int {
	if total <= 50 {
		return max1(total)
	}
	if total <= 100 {
		return 50
	}
	size := total / 3
	if size < c.cfg.MinBatchSize {
		size = c.cfg.MinBatchSize
	}
	if size > c.cfg.MaxBatchSize {
		size = c.cfg.MaxBatchSize
	}
	return size
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (c *Client) calculateTimeout(count int, base time.Duration) time.Duration {
	if base == 0 {
		base = c.cfg.BaseTimeout
	}
	t := base + time.Duration(float64(count)*0.01*float64(time.Second))
	if t > c.cfg.MaxTimeout {
		t = c.cfg.MaxTimeout
	}
	return t
}

func (c *Client) writeBatchWithRetry(ctx context.Context, batch []transport.WriteTargetRef, timeout time.Duration, attempt int) error {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return fmt.Errorf("opcua: not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	items := make([]*ua.WriteValue, 0, len(batch))
	for _, t := range batch {
		nid, err := ua.ParseNodeID(t.NodeID)
		if err != nil {
			return fmt.Errorf("opcua: parse node id %q: %w", t.NodeID, err)
		}
		v, err := ua.NewVariant(t.Value)
		if err != nil {
			return fmt.Errorf("opcua: build variant for %q: %w", t.NodeID, err)
		}
		items = append(items, &ua.WriteValue{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{Value: v},
		})
	}
	req := &ua.WriteRequest{NodesToWrite: items}
	resp, err := cl.Write(wctx, req)
	if err == nil {
		ok := true
		for _, s := range resp.Results {
			if s != ua.StatusOK {
				ok = false
				break
			}
		}
		if ok {
			c.recordSuccess()
			return nil
		}
		err = fmt.Errorf("opcua: one or more write results not OK")
	}
	if attempt >= c.cfg.RetryWriteMax {
		c.recordFailure()
		return fmt.Errorf("opcua: write failed after %d retries: %w", attempt, err)
	}
	backoff := time.Duration(0.1*math.Pow(2, float64(attempt)) * float64(time.Second))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.writeBatchWithRetry(ctx, batch, timeout, attempt+1)
}

func (c *Client) verifyWriteWithRetry(ctx context.Context, batch []transport.WriteTargetRef, attempt int) error {
	if attempt >= c.cfg.VerificationRetryMax {
		return nil
	}
	delay := time.Duration(0.05*float64(attempt+1)*float64(time.Second))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	refs := make([]catalog.NodeRef, len(batch))
	for i, t := range batch {
		refs[i] = catalog.NodeRef{NodeID: t.NodeID, DataType: t.DataType}
	}
	observed, err := c.readOnce(ctx, refs, c.cfg.BaseTimeout)
	if err != nil {
		return c.rewriteFailedVariables(ctx, batch, attempt)
	}

	var failed []transport.WriteTargetRef
	for i, t := range batch {
		if !valuesEqual(t.Value, observed[i]) {
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return c.rewriteFailedVariables(ctx, failed, attempt)
}

func (c *Client) rewriteFailedVariables(ctx context.Context, failed []transport.WriteTargetRef, attempt int) error {
	backoff := time.Duration(0.2*math.Pow(2, float64(attempt)) * float64(time.Second))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.writeBatchWithRetry(ctx, failed, c.cfg.BaseTimeout, 0); err != nil {
		return err
	}
	return c.verifyWriteWithRetry(ctx, failed, attempt+1)
}

func valuesEqual(expected, observed any) bool {
	ev := toCodecValue(expected)
	ov := toCodecValue(observed)
	return codec.AreValuesEqual(ev, ov)
}

func toCodecValue(v any) codec.Value {
	switch t := v.(type) {
	case bool:
		return codec.Bool(t)
	case int:
		return codec.Int(int64(t))
	case int32:
		return codec.Int(int64(t))
	case int64:
		return codec.Int(t)
	case float32:
		return codec.Float(float64(t))
	case float64:
		return codec.Float(t)
	case string:
		return codec.Str(t)
	default:
		return codec.Null()
	}
}

// Subscribe creates an OPC UA subscription and subscribes to refs,
// forwarding change notifications to onChange, grounded on
// opcua_link.py's SubHandler.datachange_notification and bifrost's
// OPCUAHandler.CreateSubscription (per-item ClientHandle in
// MonitoringParameters).
func (c *Client) Subscribe(ctx context.Context, refs []catalog.NodeRef, onChange transport.ChangeHandler) error {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("opcua: not connected")
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := cl.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: 0}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua: create subscription: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	// A notification only carries the ClientHandle it was created with,
	// not its NodeID, so the handle is the only way back to the
	// descriptor's node ID in the notification loop below.
	handleToNodeID := make(map[uint32]string, len(refs))
	var handle uint32
	for _, r := range refs {
		nid, err := ua.ParseNodeID(r.NodeID)
		if err != nil {
			continue
		}
		h := handle
		handle++
		handleToNodeID[h] = r.NodeID
		_, _ = sub.Monitor(ctx, ua.TimestampsToReturnBoth, &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle: h,
				QueueSize:    10,
			},
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-notifyCh:
				if !ok {
					return
				}
				if msg.Error != nil {
					continue
				}
				if dcn, ok := msg.Value.(*ua.DataChangeNotification); ok {
					for _, item := range dcn.MonitoredItems {
						if item.Value == nil || item.Value.Value == nil {
							continue
						}
						nodeID, ok := handleToNodeID[item.ClientHandle]
						if !ok {
							continue
						}
						onChange(nodeID, item.Value.Value.Value())
					}
				}
			}
		}
	}()
	return nil
}
