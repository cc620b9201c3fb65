package wire

import "github.com/rookery-im/rookery-go/core"

// Announce is the presence payload: the sender's profile summary, role, and
// the addresses it accepts direct connections on. On a direct link the
// hello exchange reuses it with Observed set to the address the sender sees
// its counterparty at, which is how a node discovers its own external
// address.
type Announce struct {
	DisplayName string   `json:"display_name,omitempty"`
	AvatarHash  string   `json:"avatar_hash,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
	Observed    string   `json:"observed,omitempty"`
}

// GrantEntry describes one capability the sender has issued to the
// recipient.
type GrantEntry struct {
	GrantID    string          `json:"grant_id"`
	Capability core.Capability `json:"capability"`
	IssuedAt   int64           `json:"issued_at"`
	ExpiresAt  int64           `json:"expires_at,omitempty"`
}

// GrantNotice tells the recipient which capabilities the sender has issued
// to it. A grant-all ships every entry in a single notice.
type GrantNotice struct {
	Grants []GrantEntry `json:"grants"`
}

// RevokeNotice withdraws capabilities the sender previously issued to the
// recipient.
type RevokeNotice struct {
	Capabilities []core.Capability `json:"capabilities"`
}

// ManifestReq asks a peer for one page of its content listing for a channel.
// Pages are zero-based.
type ManifestReq struct {
	Channel core.Channel `json:"channel"`
	Page    int          `json:"page"`
}

// Manifest is one page of a peer's content listing with the page's items
// inlined. PostCount is the total number of items the peer holds for the
// channel, not the page size.
type Manifest struct {
	Channel   core.Channel `json:"channel"`
	Page      int          `json:"page"`
	PostCount int          `json:"post_count"`
	HasMore   bool         `json:"has_more"`
	Items     []core.Item  `json:"items,omitempty"`
}

// Push delivers items without a preceding request, used to fan tombstones
// out to relays holding replicated copies.
type Push struct {
	Channel core.Channel `json:"channel"`
	Items   []core.Item  `json:"items"`
}

// Ack confirms receipt and processing of the envelope named by AckID.
type Ack struct {
	AckID string `json:"ack_id"`
}

// Error reports a request failure back to the requesting peer. Code carries
// a fault code string; ReplyTo names the envelope that failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Chat carries a direct message sealed for the recipient. Only the recipient
// can open the ciphertext, so chats may traverse relays unmodified.
type Chat struct {
	Sealed []byte `json:"sealed"`
}

// SignalStep names one step of the call-signaling exchange.
type SignalStep string

const (
	SignalOffer     SignalStep = "offer"
	SignalAnswer    SignalStep = "answer"
	SignalCandidate SignalStep = "candidate"
	SignalDecline   SignalStep = "decline"
	SignalBusy      SignalStep = "busy"
	SignalHangup    SignalStep = "hangup"
)

// Signal carries one call-signaling step. Payload holds the sealed session
// descriptor for offer, answer and candidate steps; it is empty otherwise.
type Signal struct {
	CallID  string     `json:"call_id"`
	Step    SignalStep `json:"step"`
	Payload []byte     `json:"payload,omitempty"`
}

// PunchReq asks a peer, via the relay, to start simultaneous UDP probes
// toward the listed candidate addresses. Nonce correlates the two sides'
// attempts.
type PunchReq struct {
	Addresses []string `json:"addresses"`
	Nonce     string   `json:"nonce"`
}

// Ping probes a direct link for liveness.
type Ping struct {
	Seq uint64 `json:"seq"`
}

// Pong answers a Ping with the same sequence number.
type Pong struct {
	Seq uint64 `json:"seq"`
}
