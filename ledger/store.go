package ledger

import (
	"time"

	"github.com/rookery-im/rookery-go/core"
)

// GrantStore is the persistence interface for grants. Implementations
// return detached copies. Records are never deleted; Revoke is the only
// mutation after insert.
type GrantStore interface {
	// PutGrants inserts the batch atomically: either every grant is stored
	// or none is. A grant whose ID already exists is replaced.
	PutGrants(grants []*Grant) error

	// Get returns the grant by ID, or nil if unknown.
	Get(id string) (*Grant, error)

	// Revoke stamps RevokedAt on the identified grant. Stamping an already
	// revoked grant keeps the earlier timestamp.
	Revoke(id string, at time.Time) error

	// Between returns every grant issued by issuer to subject, including
	// revoked and expired records.
	Between(issuer, subject core.PeerID) ([]*Grant, error)

	// ByIssuer returns every grant issued by issuer.
	ByIssuer(issuer core.PeerID) ([]*Grant, error)

	// BySubject returns every grant held by subject.
	BySubject(subject core.PeerID) ([]*Grant, error)
}
