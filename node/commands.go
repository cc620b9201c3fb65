package node

import (
	"context"
	"strings"
	"time"

	"github.com/rookery-im/rookery-go/contact"
	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
	"github.com/rookery-im/rookery-go/ledger"
	"github.com/rookery-im/rookery-go/signal"
	"github.com/rookery-im/rookery-go/transport"
)

// Self returns this node's peer ID.
func (n *Node) Self() core.PeerID { return n.self }

// Bus returns the node's event stream for subscription.
func (n *Node) Bus() *event.Bus { return n.bus }

// GrantPermission issues capability to subject and notifies it on the
// wire. A zero expiresAt never expires. A fresh wall_read grant is
// followed by a page-zero push so the subject sees content without asking.
func (n *Node) GrantPermission(subject core.PeerID, capability core.Capability, expiresAt time.Time) (*ledger.Grant, *fault.Fault) {
	g, err := n.ledger.Grant(subject, capability, expiresAt)
	if err != nil {
		return nil, asFault(err)
	}
	n.notifyGrants(subject, []*ledger.Grant{g})
	if capability == core.CapabilityWallRead {
		n.engine.GrantPush(subject, core.ChannelWall)
	}
	return g, nil
}

// RevokePermission withdraws capability from subject, notifying it when a
// grant actually changed state. Returns false for unknown or already
// revoked capabilities.
func (n *Node) RevokePermission(subject core.PeerID, capability core.Capability) bool {
	if !n.ledger.Revoke(subject, capability) {
		return false
	}
	env, err := wire.Seal(n.cfg.Keys, wire.TypeRevoke, subject, n.clk.Unix(), &wire.RevokeNotice{
		Capabilities: []core.Capability{capability},
	})
	if err == nil {
		if err := n.send(subject, env); err != nil {
			n.log.Debug("revoke notice not delivered", "peer", subject.Short(), "error", err)
		}
	}
	return true
}

// GrantAll issues every standard capability to subject in one batch and
// ships them in a single notice.
func (n *Node) GrantAll(subject core.PeerID) ([]*ledger.Grant, *fault.Fault) {
	grants, err := n.ledger.GrantAll(subject)
	if err != nil {
		return nil, asFault(err)
	}
	n.notifyGrants(subject, grants)
	n.engine.GrantPush(subject, core.ChannelWall)
	return grants, nil
}

// PeerHasCapability reports whether peer holds a currently valid grant of
// capability from this node.
func (n *Node) PeerHasCapability(peer core.PeerID, capability core.Capability) bool {
	return n.ledger.PeerHasCapability(peer, capability)
}

// WeHaveCapability reports whether this node holds a currently valid grant
// of capability from peer.
func (n *Node) WeHaveCapability(peer core.PeerID, capability core.Capability) bool {
	return n.ledger.WeHaveCapability(peer, capability)
}

// GrantedPermissions returns the currently valid grants this node issued
// to subject.
func (n *Node) GrantedPermissions(subject core.PeerID) []*ledger.Grant {
	return n.ledger.ValidIssuedTo(subject)
}

// ReceivedPermissions returns the currently valid grants issuer extended
// to this node.
func (n *Node) ReceivedPermissions(issuer core.PeerID) []*ledger.Grant {
	return n.ledger.ValidReceivedFrom(issuer)
}

func (n *Node) notifyGrants(subject core.PeerID, grants []*ledger.Grant) {
	entries := make([]wire.GrantEntry, 0, len(grants))
	for _, g := range grants {
		entry := wire.GrantEntry{
			GrantID:    g.ID,
			Capability: g.Capability,
			IssuedAt:   g.IssuedAt.Unix(),
		}
		if !g.ExpiresAt.IsZero() {
			entry.ExpiresAt = g.ExpiresAt.Unix()
		}
		entries = append(entries, entry)
	}
	env, err := wire.Seal(n.cfg.Keys, wire.TypeGrant, subject, n.clk.Unix(), &wire.GrantNotice{Grants: entries})
	if err != nil {
		n.log.Warn("grant notice build failed", "error", err)
		return
	}
	if err := n.send(subject, env); err != nil {
		n.log.Debug("grant notice not delivered", "peer", subject.Short(), "error", err)
	}
}

// AddContact validates and stores a new contact.
func (n *Node) AddContact(c *contact.Contact) (*contact.Contact, *fault.Fault) {
	added, err := n.contacts.Add(c)
	if err != nil {
		return nil, asFault(err)
	}
	return added, nil
}

// Contact returns the directory entry for id.
func (n *Node) Contact(id core.PeerID) (*contact.Contact, bool) {
	return n.contacts.Get(id)
}

// Contacts returns every directory entry.
func (n *Node) Contacts() ([]*contact.Contact, *fault.Fault) {
	list, err := n.contacts.List()
	if err != nil {
		return nil, asFault(err)
	}
	return list, nil
}

// BlockContact suspends every exchange with the contact without deleting
// anything. Returns false when unknown or already blocked.
func (n *Node) BlockContact(id core.PeerID) bool { return n.contacts.Block(id) }

// UnblockContact restores a blocked contact. Returns false when unknown or
// not blocked.
func (n *Node) UnblockContact(id core.PeerID) bool { return n.contacts.Unblock(id) }

// RemoveContact deletes the contact. Its grant records stay as audit
// trail but no longer validate.
func (n *Node) RemoveContact(id core.PeerID) bool { return n.contacts.Remove(id) }

// SendChatMessage seals text for peer and delivers it. Requires the chat
// capability from peer.
func (n *Node) SendChatMessage(peer core.PeerID, text string) *fault.Fault {
	if strings.TrimSpace(text) == "" {
		return fault.New(fault.CodeValidation, "message is empty")
	}
	c, ok := n.contacts.Get(peer)
	if !ok {
		return fault.New(fault.CodeNotFound, "peer %s is not a contact", peer.Short())
	}
	if !n.ledger.WeHaveCapability(peer, core.CapabilityChat) {
		return fault.New(fault.CodePermissionDenied, "peer %s has not granted chat", peer.Short())
	}
	sealed, err := n.cfg.Keys.Seal(c.PublicKey, []byte(text))
	if err != nil {
		return fault.Wrap(fault.CodeCrypto, err)
	}
	env, err := wire.Seal(n.cfg.Keys, wire.TypeChat, peer, n.clk.Unix(), &wire.Chat{Sealed: sealed})
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err)
	}
	if err := n.send(peer, env); err != nil {
		return &fault.Fault{
			Code:    fault.CodeNetworkUnreachable,
			Message: "cannot deliver message to " + peer.Short(),
			Err:     err,
		}
	}
	return nil
}

// ComposePost authors a new post on one of this node's channels.
func (n *Node) ComposePost(channel core.Channel, body string) (*core.Item, *fault.Fault) {
	return n.engine.Compose(channel, body)
}

// DeletePost tombstones one of this node's posts and pushes the tombstone
// to relay contacts.
func (n *Node) DeletePost(id string) (*core.Item, *fault.Fault) {
	return n.engine.Delete(id)
}

// LocalItems lists locally held live items for a channel, optionally
// restricted to one author.
func (n *Node) LocalItems(channel core.Channel, author core.PeerID) ([]core.Item, *fault.Fault) {
	return n.engine.Items(channel, author)
}

// FeedItems lists every author's live items on channel in feed order.
func (n *Node) FeedItems(channel core.Channel) ([]core.Item, *fault.Fault) {
	return n.engine.Feed(channel)
}

// RefreshSync starts or restarts a content fetch from peer. An empty
// channel means the peer's wall.
func (n *Node) RefreshSync(peer core.PeerID, channel core.Channel) *fault.Fault {
	if channel == "" {
		channel = core.ChannelWall
	}
	return n.engine.Sync(peer, channel)
}

// StartCall offers a call to peer. Payload is the sealed session
// descriptor for the callee.
func (n *Node) StartCall(peer core.PeerID, payload []byte) (*signal.Session, *fault.Fault) {
	return n.calls.Offer(peer, payload)
}

// AnswerCall accepts an incoming call.
func (n *Node) AnswerCall(callID string, payload []byte) (*signal.Session, *fault.Fault) {
	return n.calls.Answer(callID, payload)
}

// HangupCall ends a call in any live state.
func (n *Node) HangupCall(callID string) *fault.Fault {
	return n.calls.Hangup(callID)
}

// SendCallCandidate forwards a transport candidate for a live call.
func (n *Node) SendCallCandidate(callID string, payload []byte) *fault.Fault {
	return n.calls.Candidate(callID, payload)
}

// Call returns the session for callID, nil if unknown or pruned.
func (n *Node) Call(callID string) *signal.Session {
	return n.calls.Session(callID)
}

// ActiveCalls lists the live call sessions.
func (n *Node) ActiveCalls() []*signal.Session {
	return n.calls.Active()
}

// ConnectPeer establishes the best available path to peer: direct dial,
// then hole punch, then relay fallback.
func (n *Node) ConnectPeer(ctx context.Context, peer core.PeerID) *fault.Fault {
	return n.connector.Connect(ctx, peer)
}

// PeerLinks returns the tracked connection state of every known peer.
func (n *Node) PeerLinks() []*transport.PeerLink {
	return n.tracker.Links()
}

// PeerLink returns the tracked connection state for one peer.
func (n *Node) PeerLink(peer core.PeerID) (*transport.PeerLink, bool) {
	return n.tracker.Link(peer)
}

// NATStatus returns this node's reachability classification and the
// externally observed address, if any.
func (n *Node) NATStatus() (transport.NATStatus, string) {
	return n.tracker.NAT()
}

// AlivePeers lists the peers with current presence.
func (n *Node) AlivePeers() []core.PeerID {
	return n.announcer.AlivePeers()
}

// AnnounceNow broadcasts this node's presence immediately instead of
// waiting for the next interval.
func (n *Node) AnnounceNow() error {
	return n.announcer.SendNow()
}
