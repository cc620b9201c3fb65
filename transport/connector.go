package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/fault"
)

const (
	// DefaultDialTimeout bounds one direct dial attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultPunchTimeout bounds the wait for a hole punch ack.
	DefaultPunchTimeout = 15 * time.Second
)

// ErrNoPath is the underlying error when every connect stage fails.
var ErrNoPath = errors.New("no reachable path to peer")

// Dialer attempts one direct link. A nil error means the link completed its
// handshake and is registered with the transport.
type Dialer interface {
	Dial(ctx context.Context, peer core.PeerID, addr string) error
}

// PunchSender transmits a hole punch request to peer over the relay. The
// ack arrives asynchronously through ResolvePunch, matched by nonce.
type PunchSender func(peer core.PeerID, nonce string) error

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// Tracker records the outcome of every stage.
	Tracker *Tracker

	// Direct dials direct links. Nil when this node runs no direct
	// transport.
	Direct Dialer

	// Relay is the relay transport, consulted for the fallback stage. Nil
	// disables the fallback.
	Relay Transport

	// SendPunch transmits punch requests. Nil disables hole punching.
	SendPunch PunchSender

	// DialTimeout bounds each direct dial attempt. Default:
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// PunchTimeout bounds the wait for a punch ack. Default:
	// DefaultPunchTimeout.
	PunchTimeout time.Duration

	// Logger for dial progress. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Connector implements the dial policy: direct addresses first, then a
// coordinated hole punch, then relay fallback. One attempt runs per peer at
// a time; the Tracker's connecting gate serializes them.
type Connector struct {
	cfg ConnectorConfig
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]chan []string
}

// NewConnector creates a Connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PunchTimeout <= 0 {
		cfg.PunchTimeout = DefaultPunchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:     cfg,
		log:     logger.WithGroup("connector"),
		pending: make(map[string]chan []string),
	}
}

// Connect establishes the best available path to peer. Returns nil when a
// path already exists or another attempt is in flight.
func (c *Connector) Connect(ctx context.Context, peer core.PeerID) *fault.Fault {
	if link, ok := c.cfg.Tracker.Link(peer); ok && link.State == StateConnected {
		return nil
	}
	if !c.cfg.Tracker.HandleConnecting(peer) {
		return nil
	}

	link, _ := c.cfg.Tracker.Link(peer)

	// Stage 1: dial the peer's announced addresses.
	var lastErr error
	if c.cfg.Direct != nil {
		for _, addr := range link.DirectAddrs {
			if err := c.dial(ctx, peer, addr); err != nil {
				c.log.Debug("direct dial failed", "peer", peer.Short(), "addr", addr, "error", err)
				lastErr = err
				continue
			}
			return nil
		}
	}

	// Stage 2: coordinate a hole punch through the relay, then dial the
	// punched address. The result is recorded before the dial so the
	// resulting link is classified as hole_punched.
	if c.punchPossible(link) {
		addr, err := c.punch(ctx, peer)
		if err != nil {
			c.log.Debug("hole punch failed", "peer", peer.Short(), "error", err)
			c.cfg.Tracker.HandleHolePunchResult(peer, "", err)
			lastErr = err
		} else {
			c.cfg.Tracker.HandleHolePunchResult(peer, addr, nil)
			if err := c.dial(ctx, peer, addr); err != nil {
				c.log.Debug("punched dial failed", "peer", peer.Short(), "addr", addr, "error", err)
				lastErr = err
			} else {
				return nil
			}
		}
	}

	// Stage 3: fall back to relayed delivery.
	if c.cfg.Relay != nil && c.cfg.Relay.IsConnected() && link.RelayReachable {
		c.cfg.Tracker.HandleConnected(peer, MethodRelayed, "")
		return nil
	}

	if lastErr == nil {
		lastErr = ErrNoPath
	}
	c.cfg.Tracker.HandleDialFailed(peer, lastErr)
	return &fault.Fault{
		Code:    fault.CodeNetworkUnreachable,
		Message: "cannot reach peer " + peer.Short(),
		Err:     lastErr,
	}
}

func (c *Connector) dial(ctx context.Context, peer core.PeerID, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.cfg.Direct.Dial(dctx, peer, addr)
}

func (c *Connector) punchPossible(link *PeerLink) bool {
	return c.cfg.SendPunch != nil &&
		c.cfg.Direct != nil &&
		c.cfg.Relay != nil &&
		c.cfg.Relay.IsConnected() &&
		link.RelayReachable
}

// punch sends the request and waits for the ack to name a dialable address.
func (c *Connector) punch(ctx context.Context, peer core.PeerID) (string, error) {
	nonce := uuid.NewString()
	ch := make(chan []string, 1)

	c.mu.Lock()
	c.pending[nonce] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	if err := c.cfg.SendPunch(peer, nonce); err != nil {
		return "", err
	}

	select {
	case addrs := <-ch:
		if len(addrs) == 0 {
			return "", errors.New("punch ack carried no addresses")
		}
		return addrs[0], nil
	case <-time.After(c.cfg.PunchTimeout):
		return "", errors.New("punch ack timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolvePunch delivers a punch ack to the waiting attempt and reports
// whether a matching attempt existed. Unmatched nonces are dropped; a late
// or replayed ack must not wake anything.
func (c *Connector) ResolvePunch(nonce string, addrs []string) bool {
	c.mu.Lock()
	ch, ok := c.pending[nonce]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- addrs:
	default:
	}
	return true
}

// HandlePunchRequest services the responder side of a punch: dial back the
// requester's addresses so our NAT opens an outbound mapping toward it. A
// successful dial-back completes the link immediately.
func (c *Connector) HandlePunchRequest(ctx context.Context, peer core.PeerID, addrs []string) {
	if c.cfg.Direct == nil {
		return
	}
	for _, addr := range addrs {
		if err := c.dial(ctx, peer, addr); err == nil {
			c.log.Debug("punch dial-back connected", "peer", peer.Short(), "addr", addr)
			return
		}
	}
}
