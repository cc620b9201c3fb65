// Package relay carries envelopes through an MQTT broker. Each peer owns an
// inbox topic keyed by its ID; presence announces are published retained so
// peers joining later still learn who is on the network. The broker sees
// only sealed envelopes.
//
// Topic layout, under "{prefix}/{network}":
//
//	peer/{id16}/inbox   addressed envelopes, QoS 1
//	presence/{id16}     retained announce, cleared on shutdown
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "rookery"

	// DefaultNetwork is the default network name under the prefix.
	DefaultNetwork = "global"
)

var (
	// ErrNotConnected is returned when sending without a broker session.
	ErrNotConnected = errors.New("not connected to relay broker")

	// ErrPublishTimeout is returned when the broker does not ack a publish.
	ErrPublishTimeout = errors.New("timeout publishing to relay broker")
)

// Config holds the configuration for a relay transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://relay.example.com:1883").
	Broker string
	// Username for broker authentication. Leave empty if not required.
	Username string
	// Password for broker authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the broker connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, one is derived from
	// Self. It must stay stable across restarts so the broker session, and
	// any envelopes queued while offline, survives.
	ClientID string
	// TopicPrefix is the topic prefix (default: "rookery").
	TopicPrefix string
	// Network names the peer network under the prefix (default: "global").
	Network string
	// Self is this node's peer ID. The transport subscribes to its inbox
	// and publishes its presence.
	Self core.PeerID
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over an MQTT broker.
type Transport struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu           sync.RWMutex
	connected    bool
	seen         map[string]bool
	envHandler   transport.EnvelopeHandler
	stateHandler transport.StateHandler
}

// New creates a relay transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("relay"),
		seen: make(map[string]bool),
	}
}

// ID16 is the topic-safe short form of a peer ID: its first 16 hex
// characters.
func ID16(peer core.PeerID) string {
	return peer.String()[:16]
}

// Start connects to the broker and begins listening for envelopes.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.Self.IsZero() {
		return errors.New("self peer ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "rookery-" + ID16(t.cfg.Self)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		// The broker keeps the session and queues inbox envelopes while
		// this node is offline.
		SetCleanSession(false).
		// Inbox envelopes from one sender must be handled in arrival order.
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop withdraws this node's retained presence and disconnects.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if t.connected {
			// Empty retained payload clears the announce for late joiners.
			token := t.client.Publish(t.presenceTopic(ID16(t.cfg.Self)), 1, true, []byte{})
			token.WaitTimeout(2 * time.Second)
		}
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// Method reports relayed delivery.
func (t *Transport) Method() transport.Method {
	return transport.MethodRelayed
}

// IsConnected returns true if the transport has a live broker session.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// CanReach reports whether peer currently has retained presence on the
// broker.
func (t *Transport) CanReach(peer core.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.seen[ID16(peer)]
}

// SetEnvelopeHandler sets the callback for incoming envelopes.
func (t *Transport) SetEnvelopeHandler(fn transport.EnvelopeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.envHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendTo publishes env to the peer's inbox topic.
func (t *Transport) SendTo(peer core.PeerID, env *wire.Envelope) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	token := t.client.Publish(t.inboxTopic(ID16(peer)), 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Broadcast publishes env retained to this node's presence topic.
func (t *Transport) Broadcast(env *wire.Envelope) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}

	token := t.client.Publish(t.presenceTopic(ID16(t.cfg.Self)), 1, true, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (t *Transport) inboxTopic(id16 string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.Network + "/peer/" + id16 + "/inbox"
}

func (t *Transport) presenceTopic(id16 string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.Network + "/presence/" + id16
}

func (t *Transport) subscribe() {
	inbox := t.inboxTopic(ID16(t.cfg.Self))
	t.client.Subscribe(inbox, 1, t.handleInbox)

	presence := t.cfg.TopicPrefix + "/" + t.cfg.Network + "/presence/+"
	t.client.Subscribe(presence, 1, t.handlePresence)

	t.log.Debug("subscribed", "inbox", inbox, "presence", presence)
}

// accept reports whether an inbound envelope belongs to this node. Loops
// through our own retained presence and misrouted inbox traffic are
// dropped here; signature checks belong to the layer above.
func (t *Transport) accept(env *wire.Envelope) bool {
	if env.From.IsZero() || env.From == t.cfg.Self {
		return false
	}
	if !env.To.IsZero() && env.To != t.cfg.Self {
		return false
	}
	return true
}

func (t *Transport) handleInbox(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.envHandler
	t.mu.RUnlock()

	env, err := wire.Decode(message.Payload())
	if err != nil {
		t.log.Debug("failed to decode inbox envelope", "error", err)
		return
	}
	if !t.accept(env) {
		return
	}
	if handler != nil {
		handler(env, transport.SourceRelay)
	}
}

func (t *Transport) handlePresence(_ paho.Client, message paho.Message) {
	id16 := message.Topic()[strings.LastIndexByte(message.Topic(), '/')+1:]

	// An empty retained payload withdraws the peer's presence.
	if len(message.Payload()) == 0 {
		t.mu.Lock()
		delete(t.seen, id16)
		t.mu.Unlock()
		return
	}

	env, err := wire.Decode(message.Payload())
	if err != nil {
		t.log.Debug("failed to decode presence envelope", "error", err)
		return
	}
	if !t.accept(env) {
		return
	}

	t.mu.Lock()
	t.seen[id16] = true
	handler := t.envHandler
	t.mu.Unlock()

	if handler != nil {
		handler(env, transport.SourceRelay)
	}
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to relay broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.seen = make(map[string]bool)
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("relay connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to relay broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}
