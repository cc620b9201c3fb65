package node

import (
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
	"github.com/rookery-im/rookery-go/ledger"
	"github.com/rookery-im/rookery-go/transport"
)

// handleEnvelope is the inbound dispatch entry point, registered as the
// envelope handler on every transport. An envelope reaches its handler
// exactly once: duplicates across transports are dropped by ID, and
// anything failing signature verification is discarded before dispatch.
func (n *Node) handleEnvelope(env *wire.Envelope, source transport.Source) {
	if env == nil || env.From == n.self {
		return
	}
	if !env.To.IsZero() && env.To != n.self {
		n.log.Debug("envelope for another peer", "to", env.To.Short(), "type", env.Type)
		return
	}
	if n.seen.HasSeen(env.ID) {
		return
	}
	if !env.Verify() {
		n.log.Debug("envelope failed verification", "peer", env.From.Short(), "type", env.Type)
		return
	}

	// Any authenticated envelope proves the sender alive.
	n.announcer.Touch(env.From)
	n.tracker.Touch(env.From)

	switch env.Type {
	case wire.TypeAnnounce:
		n.handleAnnounce(env, source)
	case wire.TypeGrant:
		n.handleGrantNotice(env)
	case wire.TypeRevoke:
		n.handleRevokeNotice(env)
	case wire.TypeManifestReq:
		var req wire.ManifestReq
		if !n.decode(env, &req) {
			return
		}
		n.engine.HandleManifestReq(env, &req)
	case wire.TypeManifest:
		var m wire.Manifest
		if !n.decode(env, &m) {
			return
		}
		n.engine.HandleManifest(env.From, &m)
	case wire.TypePush:
		var push wire.Push
		if !n.decode(env, &push) {
			return
		}
		n.engine.HandlePush(env, &push)
	case wire.TypeAck:
		var ack wire.Ack
		if !n.decode(env, &ack) {
			return
		}
		n.engine.HandleAck(&ack)
	case wire.TypeError:
		var werr wire.Error
		if !n.decode(env, &werr) {
			return
		}
		n.engine.HandleWireError(env.From, &werr)
	case wire.TypeChat:
		n.handleChat(env)
	case wire.TypeSignal:
		var sig wire.Signal
		if !n.decode(env, &sig) {
			return
		}
		n.calls.HandleSignal(env, &sig)
	case wire.TypePunchReq:
		n.handlePunchReq(env)
	case wire.TypePing:
		n.handlePing(env)
	case wire.TypePong:
		// Liveness was recorded above; nothing else to do.
	default:
		// The envelope verified, so the peer speaks a newer dialect. Hand
		// the raw body to the surface instead of dropping it silently.
		n.log.Debug("unhandled envelope type", "type", env.Type, "peer", env.From.Short())
		n.publish(event.MessageReceived, env.From, &MessageData{
			Protocol: string(env.Type),
			Payload:  env.Body,
			SentAt:   env.SentAt,
		})
	}
}

func (n *Node) decode(env *wire.Envelope, v any) bool {
	if err := env.DecodeBody(v); err != nil {
		n.log.Debug("malformed body", "type", env.Type, "peer", env.From.Short(), "error", err)
		return false
	}
	return true
}

// handleAnnounce ingests a peer's presence: liveness, profile refresh for
// known contacts, and the dial addresses the tracker needs.
func (n *Node) handleAnnounce(env *wire.Envelope, source transport.Source) {
	ann, fresh := n.announcer.HandleAnnounce(env)
	if !fresh {
		return
	}
	n.contacts.ObserveAnnounce(env.From, ann.DisplayName, ann.AvatarHash, n.clk.Now())
	n.tracker.HandleDiscovered(env.From, source, ann.Addresses)
	if ann.Observed != "" {
		n.tracker.HandleExternalAddress(ann.Observed)
	}
}

// handleGrantNotice records capabilities the sender has issued to this
// node. Each entry is ingested independently; one bad entry never blocks
// the rest.
func (n *Node) handleGrantNotice(env *wire.Envelope) {
	var notice wire.GrantNotice
	if !n.decode(env, &notice) {
		return
	}
	for _, entry := range notice.Grants {
		g := &ledger.Grant{
			ID:         entry.GrantID,
			Issuer:     env.From,
			Subject:    n.self,
			Capability: entry.Capability,
			IssuedAt:   time.Unix(entry.IssuedAt, 0).UTC(),
		}
		if entry.ExpiresAt != 0 {
			g.ExpiresAt = time.Unix(entry.ExpiresAt, 0).UTC()
		}
		if err := n.ledger.IngestReceived(g); err != nil {
			n.log.Debug("grant notice rejected", "peer", env.From.Short(),
				"capability", entry.Capability, "error", err)
		}
	}
}

func (n *Node) handleRevokeNotice(env *wire.Envelope) {
	var notice wire.RevokeNotice
	if !n.decode(env, &notice) {
		return
	}
	for _, capability := range notice.Capabilities {
		n.ledger.IngestRevoke(env.From, capability)
	}
}

// handleChat opens a sealed direct message. The sender must hold this
// node's chat capability; violations are dropped, never answered.
func (n *Node) handleChat(env *wire.Envelope) {
	if !n.ledger.PeerHasCapability(env.From, core.CapabilityChat) {
		n.log.Debug("chat without capability dropped", "peer", env.From.Short())
		return
	}
	var chat wire.Chat
	if !n.decode(env, &chat) {
		return
	}
	c, ok := n.contacts.Get(env.From)
	if !ok {
		return
	}
	plaintext, err := n.cfg.Keys.Open(c.PublicKey, chat.Sealed)
	if err != nil {
		n.log.Debug("chat failed to open", "peer", env.From.Short(), "error", err)
		return
	}
	n.publish(event.MessageReceived, env.From, &MessageData{
		Protocol: "chat",
		Payload:  plaintext,
		SentAt:   env.SentAt,
	})
}

// handlePunchReq services both halves of a hole punch exchange. A nonce
// this node is waiting on resolves the pending attempt; anything else is a
// fresh request from a contact: echo our candidate addresses under the
// same nonce, then dial the requester so both NATs open mappings.
func (n *Node) handlePunchReq(env *wire.Envelope) {
	var req wire.PunchReq
	if !n.decode(env, &req) {
		return
	}
	if req.Nonce == "" {
		return
	}
	if n.connector.ResolvePunch(req.Nonce, req.Addresses) {
		return
	}
	if n.punchSeen.HasSeen(req.Nonce) {
		return
	}
	if !n.knownPeer(env.From) {
		n.log.Debug("punch request from non-contact dropped", "peer", env.From.Short())
		return
	}
	n.mu.Lock()
	ctx := n.runCtx
	n.mu.Unlock()
	if ctx == nil {
		return
	}

	echo, err := wire.Seal(n.cfg.Keys, wire.TypePunchReq, env.From, n.clk.Unix(), &wire.PunchReq{
		Addresses: n.punchAddrs(),
		Nonce:     req.Nonce,
	})
	if err == nil {
		if err := n.send(env.From, echo); err != nil {
			n.log.Debug("punch echo not delivered", "peer", env.From.Short(), "error", err)
		}
	}
	go n.connector.HandlePunchRequest(ctx, env.From, req.Addresses)
}

func (n *Node) handlePing(env *wire.Envelope) {
	var ping wire.Ping
	if !n.decode(env, &ping) {
		return
	}
	pong, err := wire.Seal(n.cfg.Keys, wire.TypePong, env.From, n.clk.Unix(), &wire.Pong{Seq: ping.Seq})
	if err != nil {
		return
	}
	if err := n.send(env.From, pong); err != nil {
		n.log.Debug("pong not delivered", "peer", env.From.Short(), "error", err)
	}
}
