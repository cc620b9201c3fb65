package contact

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/identity"
)

// Config configures a Directory.
type Config struct {
	// Store is the persistence backend. Defaults to an in-memory store.
	Store Store

	// Clock stamps AddedAt and LastSeenAt. Defaults to the system clock.
	Clock *clock.Clock

	// Logger for directory events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Directory is the thread-safe contact list. It owns the lazy ECDH
// shared-secret cache and fires callbacks on membership changes so the
// ledger and sync engine can react to blocks and removals.
type Directory struct {
	log   *slog.Logger
	keys  *identity.KeyPair
	store Store
	clk   *clock.Clock

	mu      sync.RWMutex
	secrets map[core.PeerID][]byte

	onAdded     func(c *Contact)
	onRemoved   func(id core.PeerID)
	onBlocked   func(id core.PeerID)
	onUnblocked func(id core.PeerID)
}

// NewDirectory creates a Directory. keys is this node's identity, used for
// ECDH shared-secret computation and to refuse adding oneself.
func NewDirectory(keys *identity.KeyPair, cfg Config) *Directory {
	if cfg.Store == nil {
		cfg.Store = NewMemStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		log:     logger.WithGroup("contacts"),
		keys:    keys,
		store:   cfg.Store,
		clk:     cfg.Clock,
		secrets: make(map[core.PeerID][]byte),
	}
}

// SetOnAdded sets the callback invoked after a contact is added.
func (d *Directory) SetOnAdded(fn func(c *Contact)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAdded = fn
}

// SetOnRemoved sets the callback invoked after a contact is removed.
func (d *Directory) SetOnRemoved(fn func(id core.PeerID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemoved = fn
}

// SetOnBlocked sets the callback invoked after a contact is blocked.
func (d *Directory) SetOnBlocked(fn func(id core.PeerID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onBlocked = fn
}

// SetOnUnblocked sets the callback invoked after a contact is unblocked.
func (d *Directory) SetOnUnblocked(fn func(id core.PeerID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUnblocked = fn
}

// Add validates and stores a new contact. The contact's public key is its
// peer ID; the X25519 key is derived when not supplied. Duplicates are
// rejected, as is adding the local node itself.
func (d *Directory) Add(c *Contact) (*Contact, error) {
	if c == nil || c.ID.IsZero() {
		return nil, fault.New(fault.CodeValidation, "contact has no peer id")
	}
	if c.ID == d.keys.PeerID() {
		return nil, fault.New(fault.CodeValidation, "cannot add own identity as contact")
	}
	if len(c.PublicKey) != 0 && !bytes.Equal(c.PublicKey, c.ID.Bytes()) {
		return nil, fault.New(fault.CodeValidation, "public key does not match peer id")
	}

	stored := c.Clone()
	stored.PublicKey = c.ID.Bytes()
	if len(stored.X25519Public) == 0 {
		xpub, err := identity.PublicKeyToX25519(stored.PublicKey)
		if err != nil {
			return nil, fault.Wrap(fault.CodeCrypto, err)
		}
		stored.X25519Public = xpub
	} else if len(stored.X25519Public) != 32 {
		return nil, fault.New(fault.CodeValidation, "x25519 key must be 32 bytes, got %d", len(stored.X25519Public))
	}
	if stored.Kind == "" {
		stored.Kind = KindUser
	}
	stored.AddedAt = d.clk.Now()

	d.mu.Lock()
	existing, err := d.store.Get(stored.ID)
	if err != nil {
		d.mu.Unlock()
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	if existing != nil {
		d.mu.Unlock()
		return nil, fault.New(fault.CodeAlreadyExists, "contact %s already exists", stored.ID.Short())
	}
	if err := d.store.Put(stored); err != nil {
		d.mu.Unlock()
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	delete(d.secrets, stored.ID)
	onAdded := d.onAdded
	d.mu.Unlock()

	d.log.Info("contact added", "peer", stored.ID.Short(), "name", stored.DisplayName, "kind", stored.Kind)
	if onAdded != nil {
		onAdded(stored.Clone())
	}
	return stored, nil
}

// Get returns a copy of the contact, or false if unknown.
func (d *Directory) Get(id core.PeerID) (*Contact, bool) {
	c, err := d.store.Get(id)
	if err != nil {
		d.log.Error("contact lookup failed", "peer", id.Short(), "error", err)
		return nil, false
	}
	if c == nil {
		return nil, false
	}
	return c, true
}

// List returns all contacts ordered by AddedAt.
func (d *Directory) List() ([]*Contact, error) {
	contacts, err := d.store.List()
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return contacts, nil
}

// Count returns the number of contacts.
func (d *Directory) Count() int {
	n, err := d.store.Count()
	if err != nil {
		d.log.Error("contact count failed", "error", err)
		return 0
	}
	return n
}

// IsContact reports whether id is in the directory, blocked or not.
func (d *Directory) IsContact(id core.PeerID) bool {
	_, ok := d.Get(id)
	return ok
}

// IsBlocked reports whether id is a blocked contact.
func (d *Directory) IsBlocked(id core.PeerID) bool {
	c, ok := d.Get(id)
	return ok && c.Blocked
}

// Block marks the contact blocked. Returns true if the state changed;
// blocking an unknown or already-blocked contact is a no-op.
func (d *Directory) Block(id core.PeerID) bool {
	return d.setBlocked(id, true)
}

// Unblock clears the blocked mark. Returns true if the state changed.
func (d *Directory) Unblock(id core.PeerID) bool {
	return d.setBlocked(id, false)
}

func (d *Directory) setBlocked(id core.PeerID, blocked bool) bool {
	d.mu.Lock()
	c, err := d.store.Get(id)
	if err != nil {
		d.mu.Unlock()
		d.log.Error("contact lookup failed", "peer", id.Short(), "error", err)
		return false
	}
	if c == nil || c.Blocked == blocked {
		d.mu.Unlock()
		return false
	}
	c.Blocked = blocked
	if err := d.store.Put(c); err != nil {
		d.mu.Unlock()
		d.log.Error("contact update failed", "peer", id.Short(), "error", err)
		return false
	}
	onBlocked, onUnblocked := d.onBlocked, d.onUnblocked
	d.mu.Unlock()

	if blocked {
		d.log.Info("contact blocked", "peer", id.Short())
		if onBlocked != nil {
			onBlocked(id)
		}
	} else {
		d.log.Info("contact unblocked", "peer", id.Short())
		if onUnblocked != nil {
			onUnblocked(id)
		}
	}
	return true
}

// Remove deletes the contact and its cached shared secret. Returns true if
// the contact existed.
func (d *Directory) Remove(id core.PeerID) bool {
	d.mu.Lock()
	removed, err := d.store.Delete(id)
	if err != nil {
		d.mu.Unlock()
		d.log.Error("contact delete failed", "peer", id.Short(), "error", err)
		return false
	}
	delete(d.secrets, id)
	onRemoved := d.onRemoved
	d.mu.Unlock()

	if !removed {
		return false
	}
	d.log.Info("contact removed", "peer", id.Short())
	if onRemoved != nil {
		onRemoved(id)
	}
	return true
}

// SharedSecret returns the ECDH shared secret with the contact, computing
// and caching it on first use.
func (d *Directory) SharedSecret(id core.PeerID) ([]byte, error) {
	d.mu.RLock()
	secret, ok := d.secrets[id]
	d.mu.RUnlock()
	if ok {
		return secret, nil
	}

	c, found := d.Get(id)
	if !found {
		return nil, fault.New(fault.CodeNotFound, "contact %s not found", id.Short())
	}
	secret, err := d.keys.SharedSecret(c.PublicKey)
	if err != nil {
		return nil, fault.Wrap(fault.CodeCrypto, err)
	}

	d.mu.Lock()
	d.secrets[id] = secret
	d.mu.Unlock()
	return secret, nil
}

// Relays returns the contacts marked as relay nodes.
func (d *Directory) Relays() []*Contact {
	contacts, err := d.store.List()
	if err != nil {
		d.log.Error("contact list failed", "error", err)
		return nil
	}
	var relays []*Contact
	for _, c := range contacts {
		if c.Kind == KindRelay && !c.Blocked {
			relays = append(relays, c)
		}
	}
	return relays
}

// ObserveAnnounce refreshes a known contact's profile fields and LastSeenAt
// from a verified presence announcement. Unknown peers are ignored; the
// directory only grows through Add.
func (d *Directory) ObserveAnnounce(id core.PeerID, displayName, avatarHash string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.store.Get(id)
	if err != nil {
		d.log.Error("contact lookup failed", "peer", id.Short(), "error", err)
		return false
	}
	if c == nil {
		return false
	}
	if displayName != "" {
		c.DisplayName = displayName
	}
	if avatarHash != "" {
		c.AvatarHash = avatarHash
	}
	if at.After(c.LastSeenAt) {
		c.LastSeenAt = at
	}
	if err := d.store.Put(c); err != nil {
		d.log.Error("contact update failed", "peer", id.Short(), "error", err)
		return false
	}
	return true
}
