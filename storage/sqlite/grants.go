package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/ledger"
)

const grantColumns = "id, issuer, subject, capability, issued_at, expires_at, revoked_at"

// PutGrants inserts the batch in one transaction: either every grant is
// stored or none is.
func (s *grantStore) PutGrants(grants []*ledger.Grant) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, g := range grants {
		_, err := tx.Exec(`INSERT OR REPLACE INTO grants (`+grantColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.Issuer[:], g.Subject[:], string(g.Capability),
			unixOrZero(g.IssuedAt), unixOrZero(g.ExpiresAt), unixOrZero(g.RevokedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the grant by ID, or nil if unknown.
func (s *grantStore) Get(id string) (*ledger.Grant, error) {
	row := s.db.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// Revoke stamps RevokedAt on the identified grant, keeping the earlier
// timestamp if one is already set.
func (s *grantStore) Revoke(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE grants SET revoked_at = ? WHERE id = ? AND revoked_at = 0`,
		unixOrZero(at), id)
	return err
}

// Between returns every grant issued by issuer to subject, revoked and
// expired records included.
func (s *grantStore) Between(issuer, subject core.PeerID) ([]*ledger.Grant, error) {
	return s.queryGrants(`SELECT `+grantColumns+` FROM grants
		WHERE issuer = ? AND subject = ? ORDER BY issued_at, id`, issuer[:], subject[:])
}

// ByIssuer returns every grant issued by issuer.
func (s *grantStore) ByIssuer(issuer core.PeerID) ([]*ledger.Grant, error) {
	return s.queryGrants(`SELECT `+grantColumns+` FROM grants
		WHERE issuer = ? ORDER BY issued_at, id`, issuer[:])
}

// BySubject returns every grant held by subject.
func (s *grantStore) BySubject(subject core.PeerID) ([]*ledger.Grant, error) {
	return s.queryGrants(`SELECT `+grantColumns+` FROM grants
		WHERE subject = ? ORDER BY issued_at, id`, subject[:])
}

func (s *grantStore) queryGrants(query string, args ...any) ([]*ledger.Grant, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row rowScanner) (*ledger.Grant, error) {
	var (
		g          ledger.Grant
		rawIssuer  []byte
		rawSubject []byte
		capability string
		issued     int64
		expires    int64
		revoked    int64
	)
	err := row.Scan(&g.ID, &rawIssuer, &rawSubject, &capability, &issued, &expires, &revoked)
	if err != nil {
		return nil, err
	}
	issuer, err := core.PeerIDFromBytes(rawIssuer)
	if err != nil {
		return nil, err
	}
	subject, err := core.PeerIDFromBytes(rawSubject)
	if err != nil {
		return nil, err
	}
	g.Issuer = issuer
	g.Subject = subject
	g.Capability = core.Capability(capability)
	g.IssuedAt = timeOrZero(issued)
	g.ExpiresAt = timeOrZero(expires)
	g.RevokedAt = timeOrZero(revoked)
	return &g, nil
}
