package transport

import (
	"time"

	"github.com/rookery-im/rookery-go/core"
)

// State is a peer's position in the connection lifecycle.
type State string

const (
	StateUnknown      State = "unknown"
	StateDiscovered   State = "discovered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Method says how envelopes currently flow to a peer.
type Method string

const (
	MethodNone        Method = ""
	MethodDirect      Method = "direct"
	MethodRelayed     Method = "relayed"
	MethodHolePunched Method = "hole_punched"
)

// NATStatus classifies this node's own reachability.
type NATStatus string

const (
	// NATUnknown means no peer has reported our external address yet.
	NATUnknown NATStatus = "unknown"
	// NATPublic means the observed external address matches a listen
	// address: peers can dial us directly.
	NATPublic NATStatus = "public"
	// NATPrivate means this node runs no listener and is outbound-only.
	NATPrivate NATStatus = "private"
	// NATBehindNAT means the observed external address differs from every
	// listen address: inbound dials need hole punching or the relay.
	NATBehindNAT NATStatus = "behind_nat"
)

// PeerLink is the tracked connection state of one peer. Links are mutated
// only by the Tracker's Handle methods.
type PeerLink struct {
	Peer core.PeerID
	// State is the lifecycle position.
	State State
	// Method is how envelopes flow while State is connected.
	Method Method
	// Addr is the remote address of the live link, when direct.
	Addr string
	// DirectAddrs are the listen addresses the peer announced.
	DirectAddrs []string
	// RelayReachable marks that the peer was last heard via the relay.
	RelayReachable bool
	// LastSeen is the last time any traffic or announce arrived.
	LastSeen time.Time
	// LastChange is when State last transitioned.
	LastChange time.Time
	// Failures counts consecutive failed connect attempts.
	Failures int
	// LastError is the most recent connect or link error.
	LastError string
}

// Clone returns a copy with detached slices.
func (l *PeerLink) Clone() *PeerLink {
	dup := *l
	if l.DirectAddrs != nil {
		dup.DirectAddrs = make([]string, len(l.DirectAddrs))
		copy(dup.DirectAddrs, l.DirectAddrs)
	}
	return &dup
}
