package transport

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/event"
)

const (
	// DefaultKeepAliveInterval is the expected gap between signs of life on
	// a direct link. Links silent for KeepAliveInterval × TimeoutMultiplier
	// are swept as disconnected.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultTimeoutMultiplier is applied to KeepAliveInterval to determine
	// the disconnect threshold.
	DefaultTimeoutMultiplier = 2.5

	// checkInterval is the resolution of the sweep loop.
	checkInterval = time.Second
)

// DiscoveredData is the peer_discovered event payload.
type DiscoveredData struct {
	Source string   `json:"source"`
	Addrs  []string `json:"addrs,omitempty"`
}

// ConnectedData is the peer_connected event payload.
type ConnectedData struct {
	Method Method `json:"method"`
	Addr   string `json:"addr,omitempty"`
}

// DisconnectedData is the peer_disconnected event payload.
type DisconnectedData struct {
	Reason string `json:"reason,omitempty"`
}

// NATData is the nat_status_changed event payload.
type NATData struct {
	Status   NATStatus `json:"status"`
	External string    `json:"external,omitempty"`
}

// AddressData is the external_address_discovered event payload.
type AddressData struct {
	Addr string `json:"addr"`
}

// PunchData is the hole_punch_succeeded event payload.
type PunchData struct {
	Addr string `json:"addr,omitempty"`
}

// ErrorData is the transport_error event payload.
type ErrorData struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// KeepAliveInterval is the expected activity interval on direct links.
	// Default: DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// TimeoutMultiplier scales KeepAliveInterval into the sweep threshold.
	// Default: DefaultTimeoutMultiplier.
	TimeoutMultiplier float64

	// AdvertisedAddrs are this node's dialable listen addresses, compared
	// against observed external addresses to classify NAT status.
	AdvertisedAddrs []string

	// Bus receives the connection lifecycle events. Optional.
	Bus *event.Bus

	// Clock drives LastSeen and sweep decisions. Defaults to the system
	// clock.
	Clock *clock.Clock

	// Logger for link events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker owns the per-peer connection state machine. Every mutation comes
// from a network observation through a Handle method; user intent (connect
// requests) only ever marks a link connecting and the network outcome moves
// it from there.
type Tracker struct {
	cfg TrackerConfig
	log *slog.Logger
	bus *event.Bus
	clk *clock.Clock

	mu       sync.Mutex
	links    map[core.PeerID]*PeerLink
	punched  map[core.PeerID]map[string]bool
	nat      NATStatus
	external string
	cancel   context.CancelFunc
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("links"),
		bus:     cfg.Bus,
		clk:     cfg.Clock,
		links:   make(map[core.PeerID]*PeerLink),
		punched: make(map[core.PeerID]map[string]bool),
		nat:     NATUnknown,
	}
}

func (t *Tracker) publish(kind event.Kind, peer core.PeerID, data any) {
	if t.bus != nil {
		t.bus.Publish(event.Event{Kind: kind, Peer: peer, Data: data})
	}
}

// linkLocked returns the link for peer, creating it in StateUnknown.
func (t *Tracker) linkLocked(peer core.PeerID) *PeerLink {
	l, ok := t.links[peer]
	if !ok {
		l = &PeerLink{Peer: peer, State: StateUnknown}
		t.links[peer] = l
	}
	return l
}

// Link returns a copy of the peer's link state.
func (t *Tracker) Link(peer core.PeerID) (*PeerLink, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[peer]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Links returns a copy of every tracked link, ordered by peer ID.
func (t *Tracker) Links() []*PeerLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PeerLink, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.String() < out[j].Peer.String() })
	return out
}

// NAT returns this node's current NAT classification and the externally
// observed address, if any.
func (t *Tracker) NAT() (NATStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nat, t.external
}

// HandleDiscovered records a presence observation for peer: its announced
// dial addresses and the medium it was heard on. The first observation
// moves the link from unknown to discovered.
func (t *Tracker) HandleDiscovered(peer core.PeerID, source Source, addrs []string) {
	t.mu.Lock()
	l := t.linkLocked(peer)
	l.LastSeen = t.clk.Now()
	if len(addrs) > 0 {
		l.DirectAddrs = append([]string(nil), addrs...)
	}
	if source == SourceRelay {
		l.RelayReachable = true
	}
	fresh := l.State == StateUnknown
	if fresh {
		l.State = StateDiscovered
		l.LastChange = l.LastSeen
	}
	t.mu.Unlock()

	if fresh {
		t.log.Debug("peer discovered", "peer", peer.Short(), "source", source, "addrs", addrs)
		t.publish(event.PeerDiscovered, peer, &DiscoveredData{Source: source.String(), Addrs: addrs})
	}
}

// HandleConnecting marks a dial in progress. Returns false when the link is
// already connected or a dial is already running, so two connect requests
// never race.
func (t *Tracker) HandleConnecting(peer core.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.linkLocked(peer)
	if l.State == StateConnected || l.State == StateConnecting {
		return false
	}
	l.State = StateConnecting
	l.LastChange = t.clk.Now()
	return true
}

// HandleConnected records a live link to peer. A direct link landing on an
// address learned through a hole punch is recorded as hole_punched.
func (t *Tracker) HandleConnected(peer core.PeerID, method Method, addr string) {
	t.mu.Lock()
	if method == MethodDirect && t.punched[peer][addr] {
		method = MethodHolePunched
	}
	l := t.linkLocked(peer)
	changed := l.State != StateConnected || l.Method != method
	now := t.clk.Now()
	l.State = StateConnected
	l.Method = method
	l.Addr = addr
	l.Failures = 0
	l.LastError = ""
	l.LastSeen = now
	if changed {
		l.LastChange = now
	}
	t.mu.Unlock()

	if changed {
		t.log.Info("peer connected", "peer", peer.Short(), "method", method, "addr", addr)
		t.publish(event.PeerConnected, peer, &ConnectedData{Method: method, Addr: addr})
	}
}

// HandleDisconnected records the loss of a live link.
func (t *Tracker) HandleDisconnected(peer core.PeerID, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	t.mu.Lock()
	l := t.linkLocked(peer)
	if l.State != StateConnected {
		t.mu.Unlock()
		return
	}
	l.State = StateDisconnected
	l.Method = MethodNone
	l.Addr = ""
	l.LastError = reason
	l.LastChange = t.clk.Now()
	t.mu.Unlock()

	t.log.Info("peer disconnected", "peer", peer.Short(), "reason", reason)
	t.publish(event.PeerDisconnected, peer, &DisconnectedData{Reason: reason})
}

// HandleDialFailed records a connect attempt that never produced a link.
// The failure count backs the connector's give-up policy.
func (t *Tracker) HandleDialFailed(peer core.PeerID, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	t.mu.Lock()
	l := t.linkLocked(peer)
	l.Failures++
	l.LastError = reason
	if l.State == StateConnecting {
		l.State = StateDisconnected
		l.LastChange = t.clk.Now()
	}
	t.mu.Unlock()

	t.log.Warn("dial failed", "peer", peer.Short(), "reason", reason)
	t.publish(event.TransportError, peer, &ErrorData{Stage: "dial", Reason: reason})
}

// Touch records activity on the peer's link, deferring the keep-alive
// sweep.
func (t *Tracker) Touch(peer core.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[peer]; ok {
		l.LastSeen = t.clk.Now()
	}
}

// HandleExpired downgrades a peer whose presence went stale. Live links are
// left to the keep-alive sweep.
func (t *Tracker) HandleExpired(peer core.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[peer]
	if !ok || l.State == StateConnected || l.State == StateConnecting {
		return
	}
	l.State = StateUnknown
	l.RelayReachable = false
	l.LastChange = t.clk.Now()
}

// HandleExternalAddress records the address a peer observed this node at
// and reclassifies NAT status.
func (t *Tracker) HandleExternalAddress(observed string) {
	if observed == "" {
		return
	}

	status := NATBehindNAT
	if len(t.cfg.AdvertisedAddrs) == 0 {
		status = NATPrivate
	}
	for _, addr := range t.cfg.AdvertisedAddrs {
		if addr == observed {
			status = NATPublic
			break
		}
	}

	t.mu.Lock()
	addrChanged := t.external != observed
	statusChanged := t.nat != status
	t.external = observed
	t.nat = status
	t.mu.Unlock()

	if addrChanged {
		t.log.Info("external address discovered", "addr", observed)
		t.publish(event.ExternalAddressDiscovered, core.PeerID{}, &AddressData{Addr: observed})
	}
	if statusChanged {
		t.log.Info("nat status changed", "status", status)
		t.publish(event.NATStatusChanged, core.PeerID{}, &NATData{Status: status, External: observed})
	}
}

// HandleRelayState records the relay broker coming up or going down. Losing
// the broker disconnects every peer whose link ran through it.
func (t *Tracker) HandleRelayState(up bool) {
	if up {
		t.log.Info("relay connected")
		t.publish(event.RelayConnected, core.PeerID{}, nil)
		return
	}

	t.mu.Lock()
	var dropped []core.PeerID
	now := t.clk.Now()
	for id, l := range t.links {
		l.RelayReachable = false
		if l.State == StateConnected && l.Method == MethodRelayed {
			l.State = StateDisconnected
			l.Method = MethodNone
			l.LastError = "relay connection lost"
			l.LastChange = now
			dropped = append(dropped, id)
		}
	}
	t.mu.Unlock()

	t.log.Warn("relay disconnected", "dropped", len(dropped))
	t.publish(event.RelayDisconnected, core.PeerID{}, nil)
	for _, id := range dropped {
		t.publish(event.PeerDisconnected, id, &DisconnectedData{Reason: "relay connection lost"})
	}
}

// HandleHolePunchResult records the outcome of a coordinated hole punch.
// Success is not a connection yet; it yields a dialable address.
func (t *Tracker) HandleHolePunchResult(peer core.PeerID, addr string, err error) {
	if err != nil {
		t.mu.Lock()
		l := t.linkLocked(peer)
		l.LastError = err.Error()
		t.mu.Unlock()

		t.log.Debug("hole punch failed", "peer", peer.Short(), "error", err)
		t.publish(event.TransportError, peer, &ErrorData{Stage: "hole_punch", Reason: err.Error()})
		return
	}

	t.mu.Lock()
	l := t.linkLocked(peer)
	if addr != "" {
		found := false
		for _, a := range l.DirectAddrs {
			if a == addr {
				found = true
				break
			}
		}
		if !found {
			l.DirectAddrs = append(l.DirectAddrs, addr)
		}
		if t.punched[peer] == nil {
			t.punched[peer] = make(map[string]bool)
		}
		t.punched[peer][addr] = true
	}
	l.LastSeen = t.clk.Now()
	t.mu.Unlock()

	t.log.Info("hole punch succeeded", "peer", peer.Short(), "addr", addr)
	t.publish(event.HolePunchSucceeded, peer, &PunchData{Addr: addr})
}

// CheckTimeouts sweeps direct links that have gone silent past the
// keep-alive threshold.
func (t *Tracker) CheckTimeouts() {
	timeout := time.Duration(float64(t.cfg.KeepAliveInterval) * t.cfg.TimeoutMultiplier)

	t.mu.Lock()
	now := t.clk.Now()
	var timedOut []core.PeerID
	for id, l := range t.links {
		if l.State != StateConnected {
			continue
		}
		if l.Method != MethodDirect && l.Method != MethodHolePunched {
			continue
		}
		if now.Sub(l.LastSeen) > timeout {
			l.State = StateDisconnected
			l.Method = MethodNone
			l.Addr = ""
			l.LastError = "keep-alive timeout"
			l.LastChange = now
			timedOut = append(timedOut, id)
		}
	}
	t.mu.Unlock()

	for _, id := range timedOut {
		t.log.Info("peer timed out", "peer", id.Short())
		t.publish(event.PeerDisconnected, id, &DisconnectedData{Reason: "keep-alive timeout"})
	}
}

// Start runs the periodic sweep loop. Blocks until the context is
// cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckTimeouts()
		}
	}
}

// Stop cancels the sweep loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
