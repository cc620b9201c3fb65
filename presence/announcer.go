// Package presence announces this node to the network and tracks which
// peers are currently alive. Announces are signed by the sender and carry
// its profile summary and dialable addresses; receipt times, not sender
// timestamps, drive liveness so a peer with a wrong clock cannot keep
// itself alive forever.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
	"github.com/rookery-im/rookery-go/transport"
)

const (
	// DefaultAnnounceInterval is how often this node re-announces itself.
	DefaultAnnounceInterval = 5 * time.Minute

	// DefaultPeerTTL is how long a peer stays alive after its last
	// announce or traffic.
	DefaultPeerTTL = 15 * time.Minute

	// checkInterval is the resolution of the announce/expiry loop.
	checkInterval = 10 * time.Second
)

// Profile is the public summary included in this node's announces.
type Profile struct {
	DisplayName string
	AvatarHash  string
	// Kind is the announced role, "user" or "relay".
	Kind string
}

// Config holds the configuration for an Announcer.
type Config struct {
	// Keys signs outgoing announces.
	Keys *identity.KeyPair
	// Profile is announced to the network.
	Profile Profile
	// Addrs are the direct-dial addresses to announce.
	Addrs []string
	// AnnounceInterval is the re-announce period. Default:
	// DefaultAnnounceInterval.
	AnnounceInterval time.Duration
	// PeerTTL is the liveness window. Default: DefaultPeerTTL.
	PeerTTL time.Duration
	// Bus receives peer_expired events. Optional.
	Bus *event.Bus
	// Clock drives announce timing and expiry. Defaults to the system
	// clock.
	Clock *clock.Clock
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Announcer periodically broadcasts this node's announce and expires peers
// that have gone quiet.
type Announcer struct {
	cfg Config
	log *slog.Logger
	clk *clock.Clock
	bus *event.Bus

	mu           sync.Mutex
	transports   []transport.Transport
	lastSeen     map[core.PeerID]time.Time
	lastStamp    map[core.PeerID]int64
	nextAnnounce time.Time
	cancel       context.CancelFunc
	onExpired    func(peer core.PeerID)
}

// New creates an Announcer.
func New(cfg Config) *Announcer {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		cfg:       cfg,
		log:       logger.WithGroup("presence"),
		clk:       cfg.Clock,
		bus:       cfg.Bus,
		lastSeen:  make(map[core.PeerID]time.Time),
		lastStamp: make(map[core.PeerID]int64),
	}
}

// AddTransport registers a transport for announce broadcasts.
func (a *Announcer) AddTransport(t transport.Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transports = append(a.transports, t)
}

// SetOnExpired sets the callback invoked when a peer's presence lapses.
func (a *Announcer) SetOnExpired(fn func(peer core.PeerID)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onExpired = fn
}

// BuildAnnounce constructs this node's signed announce envelope.
func (a *Announcer) BuildAnnounce() (*wire.Envelope, error) {
	return wire.Seal(a.cfg.Keys, wire.TypeAnnounce, core.PeerID{}, a.clk.Unix(), &wire.Announce{
		DisplayName: a.cfg.Profile.DisplayName,
		AvatarHash:  a.cfg.Profile.AvatarHash,
		Kind:        a.cfg.Profile.Kind,
		Addresses:   a.cfg.Addrs,
	})
}

// SendNow broadcasts an announce on every connected transport and resets
// the announce timer.
func (a *Announcer) SendNow() error {
	env, err := a.BuildAnnounce()
	if err != nil {
		return err
	}

	a.mu.Lock()
	transports := append([]transport.Transport(nil), a.transports...)
	a.nextAnnounce = a.clk.Now().Add(a.cfg.AnnounceInterval)
	a.mu.Unlock()

	var lastErr error
	for _, t := range transports {
		if !t.IsConnected() {
			continue
		}
		if err := t.Broadcast(env); err != nil {
			a.log.Warn("announce broadcast failed", "method", t.Method(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// HandleAnnounce ingests a verified announce from a peer. The parsed body
// is returned with true when the announce is fresh; replays and stale
// retained copies return false. Liveness is stamped with receive time; the
// sender's SentAt orders announces but never extends its own life.
func (a *Announcer) HandleAnnounce(env *wire.Envelope) (*wire.Announce, bool) {
	if env.From == a.cfg.Keys.PeerID() {
		return nil, false
	}

	var ann wire.Announce
	if err := env.DecodeBody(&ann); err != nil {
		a.log.Debug("malformed announce", "peer", env.From.Short(), "error", err)
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastStamp[env.From]; ok && env.SentAt <= last {
		return nil, false
	}
	a.lastStamp[env.From] = env.SentAt
	a.lastSeen[env.From] = a.clk.Now()
	return &ann, true
}

// Touch refreshes a peer's liveness on non-announce traffic. Authenticated
// envelopes prove a peer alive as well as any announce does.
func (a *Announcer) Touch(peer core.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen[peer] = a.clk.Now()
}

// Alive reports whether the peer's presence is current.
func (a *Announcer) Alive(peer core.PeerID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen, ok := a.lastSeen[peer]
	return ok && a.clk.Now().Sub(seen) <= a.cfg.PeerTTL
}

// AlivePeers returns every peer with current presence.
func (a *Announcer) AlivePeers() []core.PeerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clk.Now()
	out := make([]core.PeerID, 0, len(a.lastSeen))
	for id, seen := range a.lastSeen {
		if now.Sub(seen) <= a.cfg.PeerTTL {
			out = append(out, id)
		}
	}
	return out
}

// checkTimers fires the periodic announce when due.
func (a *Announcer) checkTimers() {
	a.mu.Lock()
	due := !a.nextAnnounce.After(a.clk.Now())
	a.mu.Unlock()
	if due {
		if err := a.SendNow(); err != nil {
			a.log.Warn("periodic announce failed", "error", err)
		}
	}
}

// checkExpiry sweeps peers whose presence lapsed. The announce stamp is
// kept so a stale retained copy cannot revive an expired peer.
func (a *Announcer) checkExpiry() {
	a.mu.Lock()
	now := a.clk.Now()
	var expired []core.PeerID
	for id, seen := range a.lastSeen {
		if now.Sub(seen) > a.cfg.PeerTTL {
			delete(a.lastSeen, id)
			expired = append(expired, id)
		}
	}
	onExpired := a.onExpired
	a.mu.Unlock()

	for _, id := range expired {
		a.log.Debug("peer presence expired", "peer", id.Short())
		if a.bus != nil {
			a.bus.Publish(event.Event{Kind: event.PeerExpired, Peer: id})
		}
		if onExpired != nil {
			onExpired(id)
		}
	}
}

// Start announces immediately, then runs the announce/expiry loop until the
// context is cancelled.
func (a *Announcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.SendNow(); err != nil {
		a.log.Warn("initial announce failed", "error", err)
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkTimers()
			a.checkExpiry()
		}
	}
}

// Stop cancels the announce loop.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
