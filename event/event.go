// Package event carries the node's outbound event stream. Events for the
// same peer are delivered to subscribers in publish order; events for
// different peers may interleave arbitrarily.
package event

import "github.com/rookery-im/rookery-go/core"

// Kind names one event type on the stream.
type Kind string

const (
	PeerDiscovered            Kind = "peer_discovered"
	PeerExpired               Kind = "peer_expired"
	PeerConnected             Kind = "peer_connected"
	PeerDisconnected          Kind = "peer_disconnected"
	NATStatusChanged          Kind = "nat_status_changed"
	RelayConnected            Kind = "relay_connected"
	RelayDisconnected         Kind = "relay_disconnected"
	HolePunchSucceeded        Kind = "hole_punch_succeeded"
	ExternalAddressDiscovered Kind = "external_address_discovered"

	ContentManifestReceived Kind = "content_manifest_received"
	ContentFetched          Kind = "content_fetched"
	ContentSyncError        Kind = "content_sync_error"
	WallPostSynced          Kind = "wall_post_synced"
	WallPostsReceived       Kind = "wall_posts_received"
	WallPostDeletedOnRelay  Kind = "wall_post_deleted_on_relay"

	MessageReceived Kind = "message_received"

	ContactAdded     Kind = "contact_added"
	ContactRemoved   Kind = "contact_removed"
	ContactBlocked   Kind = "contact_blocked"
	ContactUnblocked Kind = "contact_unblocked"

	GrantIssued   Kind = "grant_issued"
	GrantRevoked  Kind = "grant_revoked"
	GrantReceived Kind = "grant_received"

	CallRinging   Kind = "call_ringing"
	CallIncoming  Kind = "call_incoming"
	CallConnected Kind = "call_connected"
	CallCandidate Kind = "call_candidate"
	CallEnded     Kind = "call_ended"

	TransportError Kind = "transport_error"
)

// Event is one entry on the stream. Peer is the peer the event concerns; a
// zero Peer marks a node-scoped event (NAT changes, relay state). Data holds
// the kind-specific payload, defined by the publishing package.
type Event struct {
	Kind Kind        `json:"kind"`
	Peer core.PeerID `json:"peer"`
	At   int64       `json:"at"`
	Data any         `json:"data,omitempty"`
}
