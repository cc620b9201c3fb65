// Package sqlite persists the node's durable state: the contact directory,
// the capability ledger, and accepted content items. One Store backs all
// three store interfaces so a single file on disk holds the node.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/rookery-im/rookery-go/contact"
	"github.com/rookery-im/rookery-go/feed"
	"github.com/rookery-im/rookery-go/ledger"
)

// Store is a SQLite-backed database holding the contact directory, the
// grant ledger and the item feed. The typed views share one handle, so the
// interfaces' overlapping method names never clash.
type Store struct {
	db *sql.DB
}

// Contacts returns the contact.Store view.
func (s *Store) Contacts() contact.Store { return (*contactStore)(s) }

// Grants returns the ledger.GrantStore view.
func (s *Store) Grants() ledger.GrantStore { return (*grantStore)(s) }

// Items returns the feed.ItemStore view.
func (s *Store) Items() feed.ItemStore { return (*itemStore)(s) }

type (
	contactStore Store
	grantStore   Store
	itemStore    Store
)

var (
	_ contact.Store     = (*contactStore)(nil)
	_ ledger.GrantStore = (*grantStore)(nil)
	_ feed.ItemStore    = (*itemStore)(nil)
)

// Open opens the database at path, creating it and its schema if absent.
// Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A second connection to :memory: would see its own empty database,
	// and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS contacts (
		id            BLOB PRIMARY KEY,
		public_key    BLOB NOT NULL,
		x25519_public BLOB NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		avatar_hash   TEXT NOT NULL DEFAULT '',
		bio           TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL DEFAULT 'user',
		blocked       INTEGER NOT NULL DEFAULT 0,
		added_at      INTEGER NOT NULL,
		last_seen_at  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS grants (
		id         TEXT PRIMARY KEY,
		issuer     BLOB NOT NULL,
		subject    BLOB NOT NULL,
		capability TEXT NOT NULL,
		issued_at  INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		revoked_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS grants_issuer ON grants(issuer);
	CREATE INDEX IF NOT EXISTS grants_subject ON grants(subject);

	CREATE TABLE IF NOT EXISTS items (
		author     BLOB NOT NULL,
		id         TEXT NOT NULL,
		channel    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		body       TEXT NOT NULL DEFAULT '',
		lamport    INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER NOT NULL DEFAULT 0,
		sig        BLOB,
		PRIMARY KEY (author, id)
	);
	CREATE INDEX IF NOT EXISTS items_channel ON items(channel);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// unixOrZero maps the zero time to 0 so "never" survives the round trip.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
