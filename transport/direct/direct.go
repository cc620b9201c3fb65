// Package direct carries envelopes over peer-to-peer WebSocket links. Each
// link opens with a mutual hello: both sides send a signed announce naming
// their listen addresses and the address they see the counterparty at, so
// every direct connection doubles as an external-address observation. The
// dialing side additionally pins the expected peer identity; a listener
// learns who connected from the hello itself.
package direct

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/transport"
)

// Compile-time interface checks.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Dialer    = (*Transport)(nil)
)

const (
	// DefaultHandshakeTimeout bounds the hello exchange on a new link.
	DefaultHandshakeTimeout = 10 * time.Second

	// peerPath is the WebSocket endpoint peers dial.
	peerPath = "/peer"

	// writeWait bounds one frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a link may stay silent before the read side
	// gives up. Pings go out at pingPeriod to keep healthy links inside
	// the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds one envelope frame. Content pages are the
	// largest payloads.
	maxMessageSize = 512 * 1024

	// sendBuffer is the per-link outbound queue. A peer that cannot drain
	// it loses the link rather than stalling the sender.
	sendBuffer = 64
)

var (
	// ErrPeerNotConnected is returned when sending to a peer with no link.
	ErrPeerNotConnected = errors.New("no direct link to peer")

	// ErrIdentityMismatch is returned when a dialed peer proves a
	// different identity than expected.
	ErrIdentityMismatch = errors.New("peer identity mismatch")

	// ErrNotStarted is returned when the transport is used before Start.
	ErrNotStarted = errors.New("direct transport not started")

	errReplaced = errors.New("link replaced by newer connection")
	errSlowLink = errors.New("link send queue overflow")
	errShutdown = errors.New("transport shutting down")
)

// Config holds the configuration for a direct transport.
type Config struct {
	// Keys signs hello envelopes and names this node.
	Keys *identity.KeyPair
	// ListenAddr is the address to accept peer connections on. Empty runs
	// the transport outbound-only.
	ListenAddr string
	// AdvertisedAddrs are the addresses announced in hellos as dialable.
	AdvertisedAddrs []string
	// HandshakeTimeout bounds the hello exchange. Default:
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Clock stamps hello envelopes. Defaults to the system clock.
	Clock *clock.Clock
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over direct WebSocket links and
// transport.Dialer for the connector.
type Transport struct {
	cfg      Config
	self     core.PeerID
	log      *slog.Logger
	clk      *clock.Clock
	upgrader websocket.Upgrader
	server   *http.Server

	mu           sync.RWMutex
	started      bool
	conns        map[core.PeerID]*conn
	envHandler   transport.EnvelopeHandler
	stateHandler transport.StateHandler
	peerHandler  transport.PeerHandler
}

// New creates a direct transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:  cfg,
		self: cfg.Keys.PeerID(),
		log:  cfg.Logger.WithGroup("direct"),
		clk:  cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		conns: make(map[core.PeerID]*conn),
	}
}

// Handler returns the HTTP handler accepting peer connections, for mounting
// on an existing server.
func (t *Transport) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(peerPath, t.handleUpgrade)
	return r
}

// Start begins accepting peer connections on ListenAddr, if set.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	if t.cfg.ListenAddr != "" {
		t.server = &http.Server{
			Addr:              t.cfg.ListenAddr,
			Handler:           t.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			t.log.Info("listening for peers", "addr", t.cfg.ListenAddr)
			if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("peer listener failed", "error", err)
				t.emitState(transport.EventError)
			}
		}()
	}

	t.emitState(transport.EventConnected)
	return nil
}

// Stop closes the listener and every live link.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.started = false
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close(errShutdown)
	}
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.server.Shutdown(ctx)
	}

	t.emitState(transport.EventDisconnected)
	return nil
}

// Method reports direct delivery.
func (t *Transport) Method() transport.Method {
	return transport.MethodDirect
}

// IsConnected reports whether the transport has been started.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// CanReach reports whether a live link to peer exists.
func (t *Transport) CanReach(peer core.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[peer]
	return ok
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

// SetPeerHandler sets the callback for per-peer link changes.
func (t *Transport) SetPeerHandler(fn transport.PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerHandler = fn
}

// SendTo delivers env over the peer's link.
func (t *Transport) SendTo(peer core.PeerID, env *wire.Envelope) error {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}

	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

// Broadcast delivers env over every live link.
func (t *Transport) Broadcast(env *wire.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.RLock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		if err := c.enqueue(payload); err != nil {
			t.log.Debug("broadcast enqueue failed", "peer", c.peer.Short(), "error", err)
		}
	}
	return nil
}

// Dial connects to a peer's listener and pins its identity. A nil error
// means the hello exchange completed and the link is registered.
func (t *Transport) Dial(ctx context.Context, peer core.PeerID, addr string) error {
	if !t.IsConnected() {
		return ErrNotStarted
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: peerPath}
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	from, hello, env, err := t.handshake(ws)
	if err != nil {
		ws.Close()
		return err
	}
	if from != peer {
		ws.Close()
		return ErrIdentityMismatch
	}

	t.register(from, ws, addr, hello, env)
	return nil
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.IsConnected() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	from, hello, env, err := t.handshake(ws)
	if err != nil {
		t.log.Debug("handshake failed", "remote", r.RemoteAddr, "error", err)
		ws.Close()
		return
	}

	t.register(from, ws, ws.RemoteAddr().String(), hello, env)
}

// handshake runs the mutual hello on a fresh socket: send ours, read and
// verify theirs. Returns the proven peer identity, their announce, and the
// raw envelope for the presence layer.
func (t *Transport) handshake(ws *websocket.Conn) (core.PeerID, *wire.Announce, *wire.Envelope, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)

	hello, err := wire.Seal(t.cfg.Keys, wire.TypeAnnounce, core.PeerID{}, t.clk.Unix(), &wire.Announce{
		Addresses: t.cfg.AdvertisedAddrs,
		Observed:  ws.RemoteAddr().String(),
	})
	if err != nil {
		return core.PeerID{}, nil, nil, err
	}
	payload, err := hello.Encode()
	if err != nil {
		return core.PeerID{}, nil, nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return core.PeerID{}, nil, nil, err
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return core.PeerID{}, nil, nil, err
	}
	env, err := wire.Decode(raw)
	if err != nil {
		return core.PeerID{}, nil, nil, err
	}
	if env.Type != wire.TypeAnnounce {
		return core.PeerID{}, nil, nil, errors.New("expected announce hello")
	}
	if env.From == t.self {
		return core.PeerID{}, nil, nil, errors.New("connected to self")
	}
	if !env.Verify() {
		return core.PeerID{}, nil, nil, errors.New("hello signature invalid")
	}
	var ann wire.Announce
	if err := env.DecodeBody(&ann); err != nil {
		return core.PeerID{}, nil, nil, err
	}

	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return env.From, &ann, env, nil
}

// register installs the link, replacing any older one to the same peer, and
// starts its pumps.
func (t *Transport) register(peer core.PeerID, ws *websocket.Conn, addr string, hello *wire.Announce, env *wire.Envelope) {
	t.mu.Lock()
	old := t.conns[peer]
	delete(t.conns, peer)
	t.mu.Unlock()
	if old != nil {
		old.close(errReplaced)
	}

	c := &conn{
		t:    t,
		peer: peer,
		ws:   ws,
		addr: addr,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[peer] = c
	envHandler := t.envHandler
	t.mu.Unlock()

	go c.writePump()
	go c.readPump()

	t.log.Info("peer link up", "peer", peer.Short(), "addr", addr)
	t.emitPeer(transport.PeerEvent{
		Kind:     transport.PeerConnected,
		Peer:     peer,
		Addr:     addr,
		Observed: hello.Observed,
	})
	// The hello is a real announce; let the presence layer see it.
	if envHandler != nil {
		envHandler(env, transport.SourceDirect)
	}
}

func (t *Transport) unregister(c *conn, reason error) {
	t.mu.Lock()
	if t.conns[c.peer] == c {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()

	t.log.Info("peer link down", "peer", c.peer.Short(), "reason", reason)
	t.emitPeer(transport.PeerEvent{
		Kind: transport.PeerDisconnected,
		Peer: c.peer,
		Addr: c.addr,
		Err:  reason,
	})
}

func (t *Transport) emitState(ev transport.Event) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, ev)
	}
}

func (t *Transport) emitPeer(ev transport.PeerEvent) {
	t.mu.RLock()
	handler := t.peerHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// conn is one live peer link.
type conn struct {
	t    *Transport
	peer core.PeerID
	ws   *websocket.Conn
	addr string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return ErrPeerNotConnected
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// A link that cannot drain its queue is dead weight.
		c.close(errSlowLink)
		return errSlowLink
	}
}

func (c *conn) close(reason error) {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.t.unregister(c, reason)
	})
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.t.emitPeer(transport.PeerEvent{Kind: transport.PeerActivity, Peer: c.peer})
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			c.t.log.Debug("bad envelope on link", "peer", c.peer.Short(), "error", err)
			continue
		}
		// A link speaks for exactly one proven identity.
		if env.From != c.peer {
			c.t.log.Debug("envelope from wrong identity", "peer", c.peer.Short(), "from", env.From.Short())
			continue
		}

		c.t.mu.RLock()
		handler := c.t.envHandler
		c.t.mu.RUnlock()
		if handler != nil {
			handler(env, transport.SourceDirect)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close(err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(err)
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
