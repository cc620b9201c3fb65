package sqlite

import (
	"database/sql"
	"errors"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/feed"
)

const itemColumns = "author, id, channel, kind, body, lamport, created_at, updated_at, deleted_at, sig"

// Apply stores the item if it wins the acceptance rule against the held
// version: strictly higher Lamport clock, with tombstones terminal.
func (s *itemStore) Apply(item core.Item) (feed.ApplyResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return feed.Stale, err
	}
	defer tx.Rollback()

	var (
		heldKind    string
		heldLamport uint64
	)
	err = tx.QueryRow(`SELECT kind, lamport FROM items WHERE author = ? AND id = ?`,
		item.Author[:], item.ID).Scan(&heldKind, &heldLamport)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First version for this (author, id).
	case err != nil:
		return feed.Stale, err
	case core.ItemKind(heldKind) == core.ItemTombstone && !item.IsTombstone():
		return feed.Stale, nil
	case item.Lamport < heldLamport:
		return feed.Stale, nil
	case item.Lamport == heldLamport:
		return feed.Duplicate, nil
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Author[:], item.ID, string(item.Channel), string(item.Kind), item.Body,
		item.Lamport, item.CreatedAt, item.UpdatedAt, item.DeletedAt, item.Sig)
	if err != nil {
		return feed.Stale, err
	}
	if err := tx.Commit(); err != nil {
		return feed.Stale, err
	}
	return feed.Applied, nil
}

// Get returns the accepted version for (author, id), or nil when none is
// held.
func (s *itemStore) Get(author core.PeerID, id string) (*core.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE author = ? AND id = ?`,
		author[:], id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// Channel returns every held item for a channel in (lamport, author, id)
// order, tombstones included when withTombstones is set.
func (s *itemStore) Channel(channel core.Channel, withTombstones bool) ([]core.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE channel = ?`
	if !withTombstones {
		query += ` AND kind != '` + string(core.ItemTombstone) + `'`
	}
	query += ` ORDER BY lamport, author, id`
	return s.queryItems(query, string(channel))
}

// ByAuthor returns one author's held items for a channel, ordered as
// Channel orders.
func (s *itemStore) ByAuthor(channel core.Channel, author core.PeerID) ([]core.Item, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM items
		WHERE channel = ? AND author = ? ORDER BY lamport, author, id`,
		string(channel), author[:])
}

// MaxClock returns the highest accepted Lamport clock for an author, 0
// when none.
func (s *itemStore) MaxClock(author core.PeerID) (uint64, error) {
	var max uint64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(lamport), 0) FROM items WHERE author = ?`,
		author[:]).Scan(&max)
	return max, err
}

func (s *itemStore) queryItems(query string, args ...any) ([]core.Item, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*core.Item, error) {
	var (
		it        core.Item
		rawAuthor []byte
		channel   string
		kind      string
	)
	err := row.Scan(&rawAuthor, &it.ID, &channel, &kind, &it.Body,
		&it.Lamport, &it.CreatedAt, &it.UpdatedAt, &it.DeletedAt, &it.Sig)
	if err != nil {
		return nil, err
	}
	author, err := core.PeerIDFromBytes(rawAuthor)
	if err != nil {
		return nil, err
	}
	it.Author = author
	it.Channel = core.Channel(channel)
	it.Kind = core.ItemKind(kind)
	return &it, nil
}
