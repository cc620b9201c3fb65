// Package transport tracks how this node reaches each peer. The Transport
// interface abstracts one delivery medium (relay broker, direct link); the
// Tracker owns the per-peer connection state machine and is mutated only by
// network observations, never by UI intent; the Connector implements the
// dial policy that escalates from direct dialing through hole punching to
// relay fallback.
package transport

import (
	"context"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/wire"
)

// Transport is one medium capable of carrying envelopes to peers.
type Transport interface {
	// Start begins the transport's connection and message handling. The
	// provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// Method reports how envelopes travel on this transport.
	Method() Method
	// IsConnected reports whether the transport is ready to carry envelopes.
	IsConnected() bool
	// CanReach reports whether peer is currently reachable on this
	// transport.
	CanReach(peer core.PeerID) bool
	// SendTo delivers env to peer.
	SendTo(peer core.PeerID, env *wire.Envelope) error
	// Broadcast publishes env to every listening peer.
	Broadcast(env *wire.Envelope) error
	// SetEnvelopeHandler sets the callback for incoming envelopes.
	SetEnvelopeHandler(fn EnvelopeHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
}

// EnvelopeHandler is called when an envelope is received.
type EnvelopeHandler func(env *wire.Envelope, source Source)

// StateHandler is called when the transport-level state changes.
type StateHandler func(t Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected fires when the transport comes up.
	EventConnected Event = iota
	// EventDisconnected fires when the transport goes down.
	EventDisconnected
	// EventReconnecting fires while the transport retries its medium.
	EventReconnecting
	// EventError fires on a transport-level error.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Source indicates which medium delivered an envelope.
type Source int

const (
	// SourceRelay indicates the envelope came through the relay broker.
	SourceRelay Source = iota
	// SourceDirect indicates the envelope came over a direct link.
	SourceDirect
	// SourceLocal indicates the envelope was originated by this node.
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceRelay:
		return "relay"
	case SourceDirect:
		return "direct"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// PeerEventKind classifies a peer-level link change on a transport that
// maintains per-peer connections.
type PeerEventKind int

const (
	// PeerConnected fires when a peer link finishes its handshake.
	PeerConnected PeerEventKind = iota
	// PeerDisconnected fires when a peer link closes.
	PeerDisconnected
	// PeerActivity fires on link liveness that carries no envelope, such
	// as a keep-alive pong.
	PeerActivity
)

// PeerEvent describes one peer-level link change.
type PeerEvent struct {
	Kind PeerEventKind
	Peer core.PeerID
	// Addr is the remote address of the link.
	Addr string
	// Observed is the address the peer reported seeing this node at.
	Observed string
	// Err carries the close reason for PeerDisconnected, if any.
	Err error
}

// PeerHandler is called on peer-level link changes.
type PeerHandler func(ev PeerEvent)
