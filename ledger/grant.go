// Package ledger implements the capability ledger: the record of which peer
// may do what to this node, and which capabilities peers have extended to
// us. Validity is always computed at query time from the stored record and
// the contact's standing; it is never cached, so expiry and blocking take
// effect without any background job.
package ledger

import (
	"time"

	"github.com/rookery-im/rookery-go/core"
)

// Grant is one capability record. Records are immutable once written except
// for RevokedAt; revoked and expired grants are kept as an audit trail.
type Grant struct {
	ID         string
	Issuer     core.PeerID
	Subject    core.PeerID
	Capability core.Capability
	IssuedAt   time.Time
	ExpiresAt  time.Time // zero = never expires
	RevokedAt  time.Time // zero = not revoked
}

// Revoked reports whether the grant has been withdrawn.
func (g *Grant) Revoked() bool {
	return !g.RevokedAt.IsZero()
}

// ActiveAt reports whether the record itself is live at now: not revoked
// and not expired. A grant expiring at T is invalid from T onward. Contact
// standing is the ledger's concern, not the record's.
func (g *Grant) ActiveAt(now time.Time) bool {
	if g.Revoked() {
		return false
	}
	if !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt) {
		return false
	}
	return true
}

// Clone returns a copy of the grant.
func (g *Grant) Clone() *Grant {
	dup := *g
	return &dup
}
