// Package node composes the Rookery core into one running peer: identity,
// contact directory, capability ledger, transports, presence, content
// synchronization and call signaling. The Node owns the inbound envelope
// dispatch and exposes the command surface the gateway translates to HTTP.
//
// Components never call each other directly; they meet here. Capability
// gates are wired as closures over the ledger, link observations flow into
// the tracker, and every externally visible change lands on the event bus.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/contact"
	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/dedupe"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
	"github.com/rookery-im/rookery-go/feed"
	"github.com/rookery-im/rookery-go/ledger"
	"github.com/rookery-im/rookery-go/presence"
	"github.com/rookery-im/rookery-go/signal"
	"github.com/rookery-im/rookery-go/transport"
)

// punchNonceWindow bounds how many punch nonces the node remembers for
// echo suppression.
const punchNonceWindow = 64

// DirectTransport is the direct-link surface the node composes: a transport
// that also dials on demand and reports per-peer link events.
type DirectTransport interface {
	transport.Transport
	transport.Dialer
	SetPeerHandler(fn transport.PeerHandler)
}

// Config holds the configuration for a Node. Keys is required; everything
// else has a working default. A node with neither transport still serves
// its command surface and local stores.
type Config struct {
	// Keys is this node's identity.
	Keys *identity.KeyPair

	// Profile is announced to the network.
	Profile presence.Profile

	// AdvertisedAddrs are the direct-dial addresses announced to peers and
	// compared against observed addresses for NAT classification.
	AdvertisedAddrs []string

	// Relay is the broker transport. Optional.
	Relay transport.Transport

	// Direct is the peer-to-peer link transport. Optional.
	Direct DirectTransport

	// Contacts, Grants and Items are the persistence backends. Each
	// defaults to its package's in-memory store.
	Contacts contact.Store
	Grants   ledger.GrantStore
	Items    feed.ItemStore

	// AnnounceInterval and PeerTTL tune presence. Zero keeps the presence
	// package defaults.
	AnnounceInterval time.Duration
	PeerTTL          time.Duration

	// PageSize is the manifest page size. Zero keeps the feed default.
	PageSize int

	// Bus carries the event stream. One is created when nil.
	Bus *event.Bus

	// Clock drives every component's timing. Defaults to the system clock.
	Clock *clock.Clock

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Node is one running Rookery peer.
type Node struct {
	cfg  Config
	self core.PeerID
	log  *slog.Logger
	clk  *clock.Clock
	bus  *event.Bus

	contacts  *contact.Directory
	ledger    *ledger.Ledger
	tracker   *transport.Tracker
	connector *transport.Connector
	announcer *presence.Announcer
	engine    *feed.Engine
	calls     *signal.Relay

	seen      *dedupe.Deduplicator
	punchSeen *dedupe.Deduplicator

	busOwned   bool
	transports []transport.Transport

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Node and wires its components together. The node is inert
// until Start.
func New(cfg Config) *Node {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	busOwned := cfg.Bus == nil
	if busOwned {
		cfg.Bus = event.NewBus(event.Config{Clock: cfg.Clock, Logger: logger})
	}
	if cfg.Profile.Kind == "" {
		cfg.Profile.Kind = string(contact.KindUser)
	}

	n := &Node{
		cfg:       cfg,
		self:      cfg.Keys.PeerID(),
		log:       logger.WithGroup("node"),
		clk:       cfg.Clock,
		bus:       cfg.Bus,
		busOwned:  busOwned,
		seen:      dedupe.New(),
		punchSeen: dedupe.NewWithCapacity(punchNonceWindow),
	}

	n.contacts = contact.NewDirectory(cfg.Keys, contact.Config{
		Store:  cfg.Contacts,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	n.ledger = ledger.New(n.self, n.contacts, ledger.Config{
		Store:  cfg.Grants,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	n.tracker = transport.NewTracker(transport.TrackerConfig{
		AdvertisedAddrs: cfg.AdvertisedAddrs,
		Bus:             cfg.Bus,
		Clock:           cfg.Clock,
		Logger:          logger,
	})

	if cfg.Direct != nil {
		n.transports = append(n.transports, cfg.Direct)
	}
	if cfg.Relay != nil {
		n.transports = append(n.transports, cfg.Relay)
	}

	var dialer transport.Dialer
	if cfg.Direct != nil {
		dialer = cfg.Direct
	}
	n.connector = transport.NewConnector(transport.ConnectorConfig{
		Tracker:   n.tracker,
		Direct:    dialer,
		Relay:     cfg.Relay,
		SendPunch: n.sendPunch,
		Logger:    logger,
	})

	n.announcer = presence.New(presence.Config{
		Keys:             cfg.Keys,
		Profile:          cfg.Profile,
		Addrs:            cfg.AdvertisedAddrs,
		AnnounceInterval: cfg.AnnounceInterval,
		PeerTTL:          cfg.PeerTTL,
		Bus:              cfg.Bus,
		Clock:            cfg.Clock,
		Logger:           logger,
	})
	for _, t := range n.transports {
		n.announcer.AddTransport(t)
	}
	n.announcer.SetOnExpired(n.tracker.HandleExpired)

	items := cfg.Items
	if items == nil {
		items = feed.NewMemStore()
	}
	n.engine = feed.New(feed.Config{
		Keys:       cfg.Keys,
		Store:      items,
		Send:       n.send,
		WeHave:     n.ledger.WeHaveCapability,
		PeerHas:    n.ledger.PeerHasCapability,
		RelayPeers: n.relayPeers,
		PageSize:   cfg.PageSize,
		Bus:        cfg.Bus,
		Clock:      cfg.Clock,
		Logger:     logger,
	})

	n.calls = signal.New(signal.Config{
		Keys:    cfg.Keys,
		Send:    n.send,
		Known:   n.knownPeer,
		WeHave:  n.ledger.WeHaveCapability,
		PeerHas: n.ledger.PeerHasCapability,
		Clock:   cfg.Clock,
		Bus:     cfg.Bus,
		Logger:  logger,
	})

	n.wireCallbacks()
	return n
}

// wireCallbacks connects the directory and ledger change hooks to the
// event stream and to the components that must react.
func (n *Node) wireCallbacks() {
	n.contacts.SetOnAdded(func(c *contact.Contact) {
		n.publish(event.ContactAdded, c.ID, &ContactData{DisplayName: c.DisplayName, Kind: string(c.Kind)})
	})
	n.contacts.SetOnRemoved(func(id core.PeerID) {
		n.engine.HandleRevoked(id)
		n.publish(event.ContactRemoved, id, nil)
	})
	n.contacts.SetOnBlocked(func(id core.PeerID) {
		n.engine.HandleRevoked(id)
		n.publish(event.ContactBlocked, id, nil)
	})
	n.contacts.SetOnUnblocked(func(id core.PeerID) {
		n.publish(event.ContactUnblocked, id, nil)
	})

	n.ledger.SetOnIssued(func(g *ledger.Grant) {
		n.publish(event.GrantIssued, g.Subject, grantData(g))
	})
	n.ledger.SetOnRevoked(func(subject core.PeerID, capability core.Capability) {
		n.publish(event.GrantRevoked, subject, &RevokeData{Capability: capability})
	})
	n.ledger.SetOnReceived(func(g *ledger.Grant) {
		n.publish(event.GrantReceived, g.Issuer, grantData(g))
		if g.Capability == core.CapabilityWallRead {
			if err := n.engine.Sync(g.Issuer, core.ChannelWall); err != nil {
				n.log.Debug("sync after grant failed", "peer", g.Issuer.Short(), "error", err)
			}
		}
	})
	n.ledger.SetOnReceivedRevoked(func(issuer core.PeerID, capability core.Capability) {
		if capability == core.CapabilityWallRead {
			n.engine.HandleRevoked(issuer)
		}
		n.publish(event.GrantRevoked, issuer, &RevokeData{Capability: capability, ByPeer: true})
	})
}

// Start sets the transport handlers, brings the transports up and runs the
// background loops. Returns after startup; the loops run until Stop or
// context cancellation.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		cancel()
		return errors.New("node already started")
	}
	n.runCtx = ctx
	n.cancel = cancel
	n.mu.Unlock()

	for _, t := range n.transports {
		t.SetEnvelopeHandler(n.handleEnvelope)
	}
	if n.cfg.Relay != nil {
		n.cfg.Relay.SetStateHandler(n.handleRelayState)
	}
	if n.cfg.Direct != nil {
		n.cfg.Direct.SetPeerHandler(n.handlePeerEvent)
	}

	for _, t := range n.transports {
		if err := t.Start(ctx); err != nil {
			n.Stop()
			return err
		}
	}

	loops := []func(context.Context){
		n.tracker.Start,
		n.announcer.Start,
		n.engine.Start,
		n.calls.Start,
	}
	n.wg.Add(len(loops))
	for _, loop := range loops {
		loop := loop
		go func() {
			defer n.wg.Done()
			loop(ctx)
		}()
	}

	n.log.Info("node started", "peer", n.self.Short())
	return nil
}

// Stop tears the node down: loops first, then transports. Idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.runCtx = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	n.announcer.Stop()
	n.tracker.Stop()
	n.engine.Stop()
	n.calls.Stop()
	for _, t := range n.transports {
		if err := t.Stop(); err != nil {
			n.log.Warn("transport stop failed", "method", t.Method(), "error", err)
		}
	}
	n.wg.Wait()
	if n.busOwned {
		n.bus.Close()
	}
	n.log.Info("node stopped")
}

// send delivers env to peer over the best available path: direct links
// first, then the relay. A connected relay is tried last even when the
// peer's presence has not been seen, since its inbox queues for offline
// peers.
func (n *Node) send(peer core.PeerID, env *wire.Envelope) error {
	var lastErr error
	for _, t := range n.transports {
		if !t.IsConnected() || !t.CanReach(peer) {
			continue
		}
		if err := t.SendTo(peer, env); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if n.cfg.Relay != nil && n.cfg.Relay.IsConnected() {
		if err := n.cfg.Relay.SendTo(peer, env); err == nil {
			return nil
		} else if lastErr == nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = transport.ErrNoPath
	}
	return lastErr
}

// sendPunch transmits a hole punch request. Punches are coordinated over
// the relay; there is no direct path yet or none would be needed.
func (n *Node) sendPunch(peer core.PeerID, nonce string) error {
	if n.cfg.Relay == nil || !n.cfg.Relay.IsConnected() {
		return transport.ErrNoPath
	}
	// Mark our own nonce so a late echo is never serviced as a fresh
	// request.
	n.punchSeen.HasSeen(nonce)

	env, err := wire.Seal(n.cfg.Keys, wire.TypePunchReq, peer, n.clk.Unix(), &wire.PunchReq{
		Addresses: n.punchAddrs(),
		Nonce:     nonce,
	})
	if err != nil {
		return err
	}
	return n.cfg.Relay.SendTo(peer, env)
}

// punchAddrs lists this node's candidate addresses for a punch exchange,
// the externally observed address first.
func (n *Node) punchAddrs() []string {
	_, external := n.tracker.NAT()
	var out []string
	if external != "" {
		out = append(out, external)
	}
	for _, addr := range n.cfg.AdvertisedAddrs {
		if addr != external {
			out = append(out, addr)
		}
	}
	return out
}

// relayPeers lists the relay contacts that replicate this node's wall.
func (n *Node) relayPeers() []core.PeerID {
	relays := n.contacts.Relays()
	out := make([]core.PeerID, 0, len(relays))
	for _, c := range relays {
		out = append(out, c.ID)
	}
	return out
}

// knownPeer reports whether peer is an unblocked contact.
func (n *Node) knownPeer(peer core.PeerID) bool {
	return n.contacts.IsContact(peer) && !n.contacts.IsBlocked(peer)
}

// handleRelayState reacts to the relay broker coming up or going down.
func (n *Node) handleRelayState(_ transport.Transport, ev transport.Event) {
	switch ev {
	case transport.EventConnected:
		n.tracker.HandleRelayState(true)
		if err := n.announcer.SendNow(); err != nil {
			n.log.Warn("announce after relay connect failed", "error", err)
		}
	case transport.EventDisconnected:
		// Abandon in-flight sync work with peers that just lost their
		// path, then let the tracker downgrade the links.
		for _, l := range n.tracker.Links() {
			if l.State == transport.StateConnected && l.Method == transport.MethodRelayed {
				n.engine.HandleDisconnected(l.Peer)
			}
		}
		n.tracker.HandleRelayState(false)
	case transport.EventReconnecting:
		n.log.Debug("relay reconnecting")
	case transport.EventError:
		n.log.Warn("relay transport error")
	}
}

// handlePeerEvent reacts to direct-link changes.
func (n *Node) handlePeerEvent(ev transport.PeerEvent) {
	switch ev.Kind {
	case transport.PeerConnected:
		n.tracker.HandleConnected(ev.Peer, transport.MethodDirect, ev.Addr)
		if ev.Observed != "" {
			n.tracker.HandleExternalAddress(ev.Observed)
		}
		n.announcer.Touch(ev.Peer)
	case transport.PeerDisconnected:
		n.tracker.HandleDisconnected(ev.Peer, ev.Err)
		n.engine.HandleDisconnected(ev.Peer)
	case transport.PeerActivity:
		n.tracker.Touch(ev.Peer)
		n.announcer.Touch(ev.Peer)
	}
}

func (n *Node) publish(kind event.Kind, peer core.PeerID, data any) {
	n.bus.Publish(event.Event{Kind: kind, Peer: peer, Data: data})
}

// asFault normalizes component errors to the fault taxonomy. Errors that
// already carry a code pass through; anything else is internal.
func asFault(err error) *fault.Fault {
	if err == nil {
		return nil
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		return f
	}
	return fault.Wrap(fault.CodeInternal, err)
}
