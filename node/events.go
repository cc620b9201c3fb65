package node

import (
	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/ledger"
)

// ContactData is the contact_added event payload.
type ContactData struct {
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind"`
}

// GrantData is the grant_issued and grant_received event payload.
type GrantData struct {
	GrantID    string          `json:"grant_id"`
	Capability core.Capability `json:"capability"`
	ExpiresAt  int64           `json:"expires_at,omitempty"`
}

// RevokeData is the grant_revoked event payload. ByPeer marks revocations
// the peer made of a grant it had issued to this node.
type RevokeData struct {
	Capability core.Capability `json:"capability"`
	ByPeer     bool            `json:"by_peer,omitempty"`
}

// MessageData is the message_received event payload. Protocol names what
// arrived: "chat" for decrypted chat text, otherwise the envelope type of a
// verified message this node has no handler for, carried with its raw body
// so a newer client behind the gateway can still interpret it.
type MessageData struct {
	Protocol string `json:"protocol"`
	Payload  []byte `json:"payload"`
	SentAt   int64  `json:"sent_at"`
}

func grantData(g *ledger.Grant) *GrantData {
	d := &GrantData{GrantID: g.ID, Capability: g.Capability}
	if !g.ExpiresAt.IsZero() {
		d.ExpiresAt = g.ExpiresAt.Unix()
	}
	return d
}
