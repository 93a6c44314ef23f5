//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/metrics"
)

const ingressMQTT = "mqtt"

// Config holds MQTT bridge configuration.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// TopicPrefix roots the GPIO request/response topics.
	TopicPrefix string
	// EventPrefix roots republished bus events and the bridge state topic.
	EventPrefix string
	// Events lists the bus event types to republish. Empty uses DefaultEvents.
	Events []string
	// Discovery publishes Home Assistant discovery for configured pins.
	Discovery bool
	// ConnectTimeout bounds the initial connect wait. Zero means 10s.
	ConnectTimeout time.Duration
	// RetryInterval spaces connect attempts. Zero means 5s.
	RetryInterval time.Duration
}

// DefaultEvents are republished when Config.Events is empty.
var DefaultEvents = []string{
	events.CommandProcessed,
	events.DeviceTelemetry,
	events.GPIOChanged,
	events.ServiceHealth,
	events.DownloadUpdated,
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "hardware-control-server"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "hardware/gpio"
	}
	if c.EventPrefix == "" {
		c.EventPrefix = "servis"
	}
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// Bridge is the broker ingress for GPIO control and the egress for
// control-plane events.
type Bridge struct {
	client  pahomqtt.Client
	gpio    *gpio.Manager
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	unsubs  []func()

	// mqttMu serializes broker-path decode/encode. It is independent of
	// the GPIO manager's own lock.
	mqttMu sync.Mutex

	// Pins already announced through discovery.
	discMu    sync.Mutex
	announced map[int]gpio.Direction
}

func newBridge(mgr *gpio.Manager, bus *events.Bus, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		gpio:      mgr,
		bus:       bus,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[int]gpio.Direction),
	}
}

// NewBridge creates and connects an MQTT bridge. A broker that is not
// reachable within ConnectTimeout is not an error: the client keeps
// retrying and the bridge subscribes once it connects.
func NewBridge(mgr *gpio.Manager, bus *events.Bus, m *metrics.Metrics, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(mgr, bus, m, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.RetryInterval).
		SetWill(b.stateTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.stateTopic(), []byte("online"), true)
			b.subscribe()
			b.publishAllDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	// The OnConnect handler uses b.client, so it must be set before the
	// first attempt.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", b.cfg.Broker)
		return b, nil
	}
	if err := token.Error(); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bus events and begins republishing them.
func (b *Bridge) Start() {
	for _, typ := range b.cfg.Events {
		b.unsubs = append(b.unsubs, b.bus.On(typ, b.handleEvent))
	}
	b.logger.Info("MQTT bridge started", "topics", b.cfg.TopicPrefix, "events", b.cfg.EventPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
	b.publish(b.stateTopic(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) controlTopic() string        { return b.cfg.TopicPrefix + "/control" }
func (b *Bridge) responseTopic() string       { return b.cfg.TopicPrefix + "/response" }
func (b *Bridge) statusTopic() string         { return b.cfg.TopicPrefix + "/status" }
func (b *Bridge) statusResponseTopic() string { return b.cfg.TopicPrefix + "/status_response" }
func (b *Bridge) pinSetTopic() string         { return b.cfg.TopicPrefix + "/pin/+/set" }
func (b *Bridge) stateTopic() string          { return b.cfg.EventPrefix + "/bridge/state" }

func (b *Bridge) subscribe() {
	b.client.Subscribe(b.controlTopic(), 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.publish(b.responseTopic(), b.handleControl(msg.Payload()), false)
	})
	b.client.Subscribe(b.statusTopic(), 0, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.publish(b.statusResponseTopic(), b.handleStatus(), false)
	})
	if b.cfg.Discovery {
		b.client.Subscribe(b.pinSetTopic(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			if resp, ok := b.handlePinSet(msg.Topic(), msg.Payload()); ok {
				b.publish(b.responseTopic(), resp, false)
			}
		})
	}
}

// handleControl applies one control message and returns the encoded reply.
func (b *Bridge) handleControl(payload []byte) []byte {
	b.mqttMu.Lock()
	defer b.mqttMu.Unlock()

	resp := b.gpio.HandleJSON(payload, ingressMQTT)
	var r gpio.ControlResponse
	ok := json.Unmarshal(resp, &r) == nil && r.Success
	b.metrics.GPIO("control", ingressMQTT, ok)
	return resp
}

// handleToggle inverts an output pin and returns the encoded reply.
func (b *Bridge) handleToggle(pin int) []byte {
	b.mqttMu.Lock()
	defer b.mqttMu.Unlock()

	resp := b.gpio.ToggleControl(pin)
	b.metrics.GPIO("toggle", ingressMQTT, resp.Success)
	return mustJSON(resp)
}

// handleStatus returns {active_pins, pins:[{pin, is_output, value?}]}.
func (b *Bridge) handleStatus() []byte {
	b.mqttMu.Lock()
	defer b.mqttMu.Unlock()

	b.metrics.GPIO("status", ingressMQTT, true)
	return mustJSON(b.gpio.Status())
}

// handlePinSet maps an ON/OFF/TOGGLE command on <prefix>/pin/<n>/set onto a
// control request for an output pin.
func (b *Bridge) handlePinSet(topic string, payload []byte) ([]byte, bool) {
	rest := strings.TrimPrefix(topic, b.cfg.TopicPrefix+"/pin/")
	pin, err := strconv.Atoi(strings.TrimSuffix(rest, "/set"))
	if err != nil {
		b.logger.Warn("invalid pin topic", "topic", topic)
		return nil, false
	}

	var value int
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1":
		value = 1
	case "OFF", "0":
		value = 0
	case "TOGGLE":
		return b.handleToggle(pin), true
	default:
		b.logger.Warn("invalid pin command", "pin", pin, "payload", string(payload))
		return nil, false
	}
	return b.handleControl(mustJSON(gpio.ControlRequest{Pin: pin, Value: value})), true
}

func (b *Bridge) handleEvent(e events.Event) {
	if e.Type == events.GPIOChanged && b.cfg.Discovery {
		b.handlePinChange(e)
	}
	topic, payload := b.eventMessage(e)
	b.publish(topic, payload, false)
}

// eventMessage renders a bus event as <event prefix>/events/<type>.
func (b *Bridge) eventMessage(e events.Event) (string, []byte) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return b.cfg.EventPrefix + "/events/" + e.Type, mustJSON(data)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
