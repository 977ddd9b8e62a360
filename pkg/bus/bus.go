package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqttclient "github.com/automatedhome/common/pkg/mqttclient"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/types"
)

const (
	commandQueueSize  = 64
	outboundQueueSize = 256
	publishTimeout    = 5 * time.Second
)

type message struct {
	topic    string
	retained bool
	payload  string
}

// Adapter owns the broker connection. Inbound messages are parsed into
// commands and queued for the tick task; outbound publishes flow through
// a bounded queue drained by the bus task.
type Adapter struct {
	client mqtt.Client
	prefix string

	mu       sync.Mutex
	commands []types.Command

	outbound chan message

	// topics with free-form payloads never warn on parse failure
	freeform map[string]bool
	rawState map[string]string
}

// New connects to the broker and subscribes to the control topics.
func New(cfg config.Bus) (*Adapter, error) {
	a := &Adapter{
		prefix:   cfg.TopicPrefix,
		outbound: make(chan message, outboundQueueSize),
		// neighbor-system topics carrying plain numeric or string state;
		// parse failures there are stored raw, never warned about
		freeform: map[string]bool{
			cfg.DiscoveryPrefix + "status": true,
		},
		rawState: make(map[string]string),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Pass)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)

	topics := map[string]byte{
		cfg.TopicPrefix + "control/mode":            0,
		cfg.TopicPrefix + "control/pump":            0,
		cfg.TopicPrefix + "control/heater":          0,
		cfg.TopicPrefix + "control/param/+":         0,
		cfg.TopicPrefix + "control/clear_emergency": 0,
		cfg.TopicPrefix + "control/ping":            0,
		cfg.DiscoveryPrefix + "status":              0,
	}
	opts.OnConnect = func(c mqtt.Client) {
		log.Info("Connected to MQTT broker")
		if token := c.SubscribeMultiple(topics, a.onMessage); token.Wait() && token.Error() != nil {
			log.Errorf("Subscribing to control topics failed: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// keep retrying in the background; the engine ticks regardless
		log.Warnf("Broker at %s:%d not reachable yet, retrying in background", cfg.Host, cfg.Port)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	a.client = client
	return a, nil
}

// NewOffline returns an adapter with no broker connection. Publishes
// queue and drop silently; commands can still be enqueued and drained.
// Used by tests and by tooling running without a bus.
func NewOffline(prefix string) *Adapter {
	return &Adapter{
		prefix:   prefix,
		outbound: make(chan message, outboundQueueSize),
		freeform: make(map[string]bool),
		rawState: make(map[string]string),
	}
}

// Run drains the outbound queue until ctx is cancelled. A slow or dead
// broker delays publishes but never the tick task.
func (a *Adapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.outbound:
			a.send(m)
		}
	}
}

func (a *Adapter) send(m message) {
	if a.client == nil || !a.client.IsConnectionOpen() {
		// paho reconnects on its own; retained topics resync on next publish
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- mqttclient.Publish(a.client, m.topic, 0, m.retained, m.payload)
	}()
	select {
	case <-done:
	case <-time.After(publishTimeout):
		log.Warnf("Publish to %s timed out", m.topic)
	}
}

// Publish enqueues an outbound message. Drops with a warning when the
// queue is full rather than blocking the caller.
func (a *Adapter) Publish(topic string, retained bool, payload string) {
	select {
	case a.outbound <- message{topic: topic, retained: retained, payload: payload}:
	default:
		log.Warnf("Outbound queue full, dropping publish to %s", topic)
	}
}

// Drain removes and returns all queued commands, oldest first. Called by
// the tick task at the start of each tick.
func (a *Adapter) Drain() []types.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.commands
	a.commands = nil
	return out
}

// enqueue appends a command, dropping the oldest non-safety command when
// the queue is full.
func (a *Adapter) enqueue(cmd types.Command) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.commands) >= commandQueueSize {
		dropped := false
		for i, c := range a.commands {
			if !c.Safety() {
				log.Warnf("Command queue full, dropping oldest %s command", c.Kind)
				a.commands = append(a.commands[:i], a.commands[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			log.Warnf("Command queue full of safety commands, rejecting %s", cmd.Kind)
			return
		}
	}
	a.commands = append(a.commands, cmd)
}

// onMessage parses one inbound control message. Runs on the bus task;
// it only enqueues and returns, never touching engine state.
func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := string(msg.Payload())

	a.mu.Lock()
	a.rawState[topic] = payload
	a.mu.Unlock()

	if a.freeform[topic] {
		return
	}

	cmd, err := a.parse(topic, payload)
	if err != nil {
		log.Warnf("Rejected command on %s: %v", topic, err)
		a.nack(topic, err)
		return
	}
	a.enqueue(cmd)
}

// nack publishes a rejection so the dashboard can surface it.
func (a *Adapter) nack(topic string, err error) {
	a.Publish(a.prefix+"alerts/command", false, fmt.Sprintf(
		`{"kind":"COMMAND_REJECTED","severity":"warning","wall":%d,"detail":"%s: %s"}`,
		time.Now().Unix(), topic, err,
	))
}

// Raw returns the last payload seen on a subscribed topic, parsed or not.
func (a *Adapter) Raw(topic string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.rawState[topic]
	return v, ok
}

// Subscribe attaches a callback to an extra topic, for consumers like
// the watchdog that observe the engine's own output.
func (a *Adapter) Subscribe(topic string, cb func(payload string)) error {
	token := a.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		cb(string(msg.Payload()))
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	return nil
}

// Inject parses and enqueues a command as if it arrived on the bus.
// Used by tests and local tooling; the same validation applies.
func (a *Adapter) Inject(suffix, payload string) error {
	cmd, err := a.parse(a.prefix+suffix, payload)
	if err != nil {
		return err
	}
	a.enqueue(cmd)
	return nil
}

// Prefix returns the configured outbound topic prefix.
func (a *Adapter) Prefix() string {
	return a.prefix
}

// Disconnect flushes and closes the broker connection.
func (a *Adapter) Disconnect() {
	if a.client != nil {
		a.client.Disconnect(250)
	}
}
