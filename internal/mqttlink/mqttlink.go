// Package mqttlink wraps the paho MQTT client: connect/reconnect
// lifecycle, the four subscribed topics, the four published topics and
// the per-command reply topic of §6, generalized from the teacher's
// location/offer/ride demo in cmd/driverio's original main.go, and from
// original_source/mqtt_link.py for the publish-without-logging special
// case on the high-frequency data/status topics.
package mqttlink

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/mq"
)

// Topics holds the resolved topic names of §6, defaulted in config.
type Topics struct {
	SubGuiMsg     string
	SubGuiCmd     string
	SubServerCmd  string
	SubGeneralCmd string

	PubDrvData       string
	PubDrvDataStruct string
	PubModulesStatus string
	PubDrvBroadcast  string
}

// high-frequency topics are published without the per-call success/
// failure log line, mirroring mqtt_link.py's publish() special-casing
// pub_drv_data and pub_modules_status.
func (t Topics) isHighFrequency(topic string) bool {
	return topic == t.PubDrvData || topic == t.PubModulesStatus
}

// Link owns one paho client, the inbound MessageQueue and the resolved
// topic set. Subscriptions are re-established on every reconnect via
// SetOnConnectHandler, matching the teacher's pattern.
type Link struct {
	cfg    config.MqttConfig
	topics Topics
	logger *log.Logger

	client mqtt.Client
	in     *mq.Queue
}

// New builds a Link; call Connect to dial the broker.
func New(cfg config.MqttConfig, logger *log.Logger, inboxCapacity int) *Link {
	t := cfg.Parameter.Topics
	return &Link{
		cfg: cfg,
		topics: Topics{
			SubGuiMsg:        t.SubGuiMsg,
			SubGuiCmd:        t.SubGuiCmd,
			SubServerCmd:     t.SubServerCmd,
			SubGeneralCmd:    t.SubGeneralCmd,
			PubDrvData:       t.PubDrvData,
			PubDrvDataStruct: t.PubDrvDataStruct,
			PubModulesStatus: t.PubModulesStatus,
			PubDrvBroadcast:  t.PubDrvBroadcast,
		},
		logger: logger,
		in:     mq.New(inboxCapacity),
	}
}

// Inbox returns the queue fed by every subscribed topic's callback; the
// command dispatcher pump pops from it.
func (l *Link) Inbox() *mq.Queue { return l.in }

// Connect dials the broker and blocks subscription setup behind
// SetOnConnectHandler, so resubscription happens automatically on every
// reconnect (teacher's pattern, generalized to the four command topics).
func (l *Link) Connect() error {
	scheme := "tcp"
	if l.cfg.Basic.UseWebsocket {
		scheme = "ws"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, l.cfg.Basic.Host, l.cfg.Basic.Port)
	opts := mqtt.NewClientOptions().AddBroker(broker)
	if l.cfg.Basic.ClientID != "" {
		opts.SetClientID(l.cfg.Basic.ClientID)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	keepAlive := l.cfg.Basic.KeepAliveSecs
	if keepAlive <= 0 {
		keepAlive = 15
	}
	opts.SetKeepAlive(time.Duration(keepAlive) * time.Second)
	if l.cfg.Parameter.PingTimeoutMs > 0 {
		opts.SetPingTimeout(time.Duration(l.cfg.Parameter.PingTimeoutMs) * time.Millisecond)
	}
	if l.cfg.Parameter.ConnectTimeoutMs > 0 {
		opts.SetConnectTimeout(time.Duration(l.cfg.Parameter.ConnectTimeoutMs) * time.Millisecond)
	}
	if l.cfg.Parameter.MaxReconnectIntervalMs > 0 {
		opts.SetMaxReconnectInterval(time.Duration(l.cfg.Parameter.MaxReconnectIntervalMs) * time.Millisecond)
	}
	if l.cfg.Parameter.WriteTimeoutMs > 0 {
		opts.SetWriteTimeout(time.Duration(l.cfg.Parameter.WriteTimeoutMs) * time.Millisecond)
	}
	opts.SetResumeSubs(true)
	opts.SetOrderMatters(false)

	// paho dials ws/wss itself via gorilla/websocket and ignores a custom
	// open-connection func for those schemes, so the raw-TCP dialer below
	// only applies to the tcp:// branch.
	if !l.cfg.Basic.UseWebsocket {
		connectTimeout := time.Duration(l.cfg.Parameter.ConnectTimeoutMs) * time.Millisecond
		opts.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
			d := net.Dialer{Timeout: connectTimeout}
			return d.Dial("tcp", uri.Host)
		})
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		l.logger.Printf("mqttlink: [connect] connected to %s", broker)
		l.subscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger.Printf("mqttlink: [disconnect] err=%v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		l.logger.Printf("mqttlink: [reconnecting]")
	})

	l.client = mqtt.NewClient(opts)
	tok := l.client.Connect()
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return fmt.Errorf("mqttlink: connect: %w", tok.Error())
	}
	return nil
}

func (l *Link) subscribeAll(c mqtt.Client) {
	for _, topic := range []string{l.topics.SubGuiMsg, l.topics.SubGuiCmd, l.topics.SubServerCmd, l.topics.SubGeneralCmd} {
		if topic == "" {
			continue
		}
		l.subscribe(c, topic)
	}
}

func (l *Link) subscribe(c mqtt.Client, topic string) {
	tok := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		l.in.Push(mq.Envelope{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		l.logger.Printf("mqttlink: [error] subscribe %s: %v", topic, tok.Error())
		return
	}
	l.logger.Printf("mqttlink: subscribed %s", topic)
}

// Publish sends msg to topic at the given QoS. PubDrvData and
// PubModulesStatus are fire-and-forget without a success/failure log
// line, since they're published many times per second; every other
// topic logs its outcome once the broker acks it.
func (l *Link) Publish(topic string, qos byte, msg []byte) {
	if l.client == nil || !l.client.IsConnectionOpen() {
		return
	}
	tok := l.client.Publish(topic, qos, false, msg)
	if l.topics.isHighFrequency(topic) {
		return
	}
	go func() {
		if !tok.WaitTimeout(5 * time.Second) {
			l.logger.Printf("mqttlink: [pub_timeout] topic=%s", topic)
			return
		}
		if tok.Error() != nil {
			l.logger.Printf("mqttlink: [pub_error] topic=%s err=%v", topic, tok.Error())
			return
		}
		l.logger.Printf("mqttlink: [publish] topic=%s bytes=%d", topic, len(msg))
	}()
}

// PublishData emits a drv data payload (outbound variable list).
func (l *Link) PublishData(payload []byte) { l.Publish(l.topics.PubDrvData, 0, payload) }

// PublishDataStruct emits a full driver status snapshot.
func (l *Link) PublishDataStruct(payload []byte) { l.Publish(l.topics.PubDrvDataStruct, 1, payload) }

// PublishModulesStatus emits per-device connection state.
func (l *Link) PublishModulesStatus(payload []byte) {
	l.Publish(l.topics.PubModulesStatus, 0, payload)
}

// PublishBroadcast emits a recipe error/notice of kind (e.g.
// "RecipeCheckError", "RecipeDownloadError"), satisfying
// recipe.Broadcaster so the orchestrator can publish without importing
// the MQTT client directly.
func (l *Link) PublishBroadcast(kind string, data any) {
	payload, err := broadcastJSON(kind, data)
	if err != nil {
		l.logger.Printf("mqttlink: [recipe-error] marshal broadcast %s: %v", kind, err)
		return
	}
	l.Publish(l.topics.PubDrvBroadcast, 1, payload)
}

// Reply publishes a command reply on <topic>/reply, shaped per §6.
func (l *Link) Reply(sourceTopic string, payload []byte) {
	l.Publish(sourceTopic+"/reply", 1, payload)
}

// Disconnect tears down the client.
func (l *Link) Disconnect() {
	if l.client != nil && l.client.IsConnectionOpen() {
		l.client.Disconnect(250)
	}
}

// IsConnected reports the underlying client's connection state.
func (l *Link) IsConnected() bool { return l.client != nil && l.client.IsConnectionOpen() }

// Topics exposes the resolved topic set, e.g. for the dispatcher to
// classify an inbound envelope's command class by topic.
func (l *Link) Topics() Topics { return l.topics }

func broadcastJSON(kind string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Data any    `json:"data"`
	}{Kind: kind, Data: data})
}
