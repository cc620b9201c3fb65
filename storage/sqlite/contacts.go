package sqlite

import (
	"database/sql"
	"errors"

	"github.com/rookery-im/rookery-go/contact"
	"github.com/rookery-im/rookery-go/core"
)

const contactColumns = "id, public_key, x25519_public, display_name, avatar_hash, bio, kind, blocked, added_at, last_seen_at"

// Put inserts or replaces the contact keyed by c.ID.
func (s *contactStore) Put(c *contact.Contact) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID[:], c.PublicKey, c.X25519Public, c.DisplayName, c.AvatarHash,
		c.Bio, string(c.Kind), c.Blocked, unixOrZero(c.AddedAt), unixOrZero(c.LastSeenAt))
	return err
}

// Get returns the contact, or nil if unknown.
func (s *contactStore) Get(id core.PeerID) (*contact.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id[:])
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Delete removes the contact, reporting whether it existed.
func (s *contactStore) Delete(id core.PeerID) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE id = ?`, id[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns all contacts ordered by AddedAt, then ID.
func (s *contactStore) List() ([]*contact.Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY added_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contact.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of stored contacts.
func (s *contactStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*contact.Contact, error) {
	var (
		c     contact.Contact
		rawID []byte
		kind  string
		added int64
		seen  int64
	)
	err := row.Scan(&rawID, &c.PublicKey, &c.X25519Public, &c.DisplayName,
		&c.AvatarHash, &c.Bio, &kind, &c.Blocked, &added, &seen)
	if err != nil {
		return nil, err
	}
	id, err := core.PeerIDFromBytes(rawID)
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.Kind = contact.Kind(kind)
	c.AddedAt = timeOrZero(added)
	c.LastSeenAt = timeOrZero(seen)
	return &c, nil
}
