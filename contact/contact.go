// Package contact implements the node's contact directory: the explicit
// list of peers this node trusts enough to talk to. Capabilities, sync and
// calls all check the directory before acting; blocking a contact suspends
// every grant attached to it without deleting anything.
package contact

import (
	"time"

	"github.com/rookery-im/rookery-go/core"
)

// Kind distinguishes ordinary peers from relay nodes that replicate content
// for offline friends.
type Kind string

const (
	KindUser  Kind = "user"
	KindRelay Kind = "relay"
)

// Contact is one directory entry. Keys are raw bytes, never hex strings.
type Contact struct {
	ID           core.PeerID
	PublicKey    []byte // 32-byte Ed25519, identical to ID
	X25519Public []byte // 32-byte Curve25519, derived from PublicKey
	DisplayName  string
	AvatarHash   string
	Bio          string
	Kind         Kind
	Blocked      bool
	AddedAt      time.Time
	LastSeenAt   time.Time
}

// Clone returns a deep copy, detaching the byte slices from the original.
func (c *Contact) Clone() *Contact {
	dup := *c
	if c.PublicKey != nil {
		dup.PublicKey = make([]byte, len(c.PublicKey))
		copy(dup.PublicKey, c.PublicKey)
	}
	if c.X25519Public != nil {
		dup.X25519Public = make([]byte, len(c.X25519Public))
		copy(dup.X25519Public, c.X25519Public)
	}
	return &dup
}
