package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/fault"
)

// ContactChecker is the directory view the ledger needs: whether a peer is
// known and whether it is blocked. Blocking suspends every grant attached
// to the peer without touching the records.
type ContactChecker interface {
	IsContact(id core.PeerID) bool
	IsBlocked(id core.PeerID) bool
}

// Config configures a Ledger.
type Config struct {
	// Store is the persistence backend. Defaults to an in-memory store.
	Store GrantStore

	// Clock drives issue, expiry and revocation timestamps. Defaults to the
	// system clock.
	Clock *clock.Clock

	// Logger for ledger events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Ledger tracks capabilities in both directions: grants this node issued to
// peers, and grants peers issued to this node. Writes for the same peer are
// serialized on a per-peer lock; different peers never contend.
type Ledger struct {
	self     core.PeerID
	contacts ContactChecker
	store    GrantStore
	clk      *clock.Clock
	log      *slog.Logger

	locksMu sync.Mutex
	locks   map[core.PeerID]*sync.Mutex

	cbMu              sync.RWMutex
	onIssued          func(g *Grant)
	onRevoked         func(subject core.PeerID, capability core.Capability)
	onReceived        func(g *Grant)
	onReceivedRevoked func(issuer core.PeerID, capability core.Capability)
}

// New creates a Ledger for the node identified by self.
func New(self core.PeerID, contacts ContactChecker, cfg Config) *Ledger {
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
	return &Ledger{
		self:     self,
		contacts: contacts,
		store:    cfg.Store,
		clk:      cfg.Clock,
		log:      logger.WithGroup("ledger"),
		locks:    make(map[core.PeerID]*sync.Mutex),
	}
}

// SetOnIssued sets the callback invoked after this node issues a grant.
func (l *Ledger) SetOnIssued(fn func(g *Grant)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onIssued = fn
}

// SetOnRevoked sets the callback invoked after this node revokes a grant.
func (l *Ledger) SetOnRevoked(fn func(subject core.PeerID, capability core.Capability)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onRevoked = fn
}

// SetOnReceived sets the callback invoked when a peer's grant to this node
// is recorded.
func (l *Ledger) SetOnReceived(fn func(g *Grant)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onReceived = fn
}

// SetOnReceivedRevoked sets the callback invoked when a peer withdraws a
// grant it had issued to this node.
func (l *Ledger) SetOnReceivedRevoked(fn func(issuer core.PeerID, capability core.Capability)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onReceivedRevoked = fn
}

func (l *Ledger) lockFor(peer core.PeerID) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[peer]
	if !ok {
		m = &sync.Mutex{}
		l.locks[peer] = m
	}
	return m
}

// checkStanding validates that peer is a known, unblocked contact.
func (l *Ledger) checkStanding(peer core.PeerID) error {
	if peer.IsZero() || peer == l.self {
		return fault.New(fault.CodeValidation, "invalid peer id")
	}
	if !l.contacts.IsContact(peer) {
		return fault.New(fault.CodeNotFound, "peer %s is not a contact", peer.Short())
	}
	if l.contacts.IsBlocked(peer) {
		return fault.New(fault.CodeValidation, "peer %s is blocked", peer.Short())
	}
	return nil
}

// Grant issues capability to subject. A zero expiresAt means the grant
// never expires; otherwise it must lie in the future. Issuing a capability
// the subject already actively holds fails with ALREADY_EXISTS.
func (l *Ledger) Grant(subject core.PeerID, capability core.Capability, expiresAt time.Time) (*Grant, error) {
	if !capability.IsKnown() {
		return nil, fault.New(fault.CodeValidation, "unknown capability %q", capability)
	}
	if err := l.checkStanding(subject); err != nil {
		return nil, err
	}
	now := l.clk.Now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return nil, fault.New(fault.CodeValidation, "expiry must be in the future")
	}

	mu := l.lockFor(subject)
	mu.Lock()
	g, err := l.grantLocked(subject, capability, now, expiresAt)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	l.log.Info("grant issued", "peer", subject.Short(), "capability", capability, "expires", expiresAt)
	l.fireIssued(g)
	return g, nil
}

// grantLocked inserts one grant. The subject's lock must be held.
func (l *Ledger) grantLocked(subject core.PeerID, capability core.Capability, now, expiresAt time.Time) (*Grant, error) {
	existing, err := l.store.Between(l.self, subject)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	for _, g := range existing {
		if g.Capability == capability && g.ActiveAt(now) {
			return nil, fault.New(fault.CodeAlreadyExists, "capability %s already granted to %s", capability, subject.Short())
		}
	}

	g := &Grant{
		ID:         uuid.NewString(),
		Issuer:     l.self,
		Subject:    subject,
		Capability: capability,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}
	if err := l.store.PutGrants([]*Grant{g}); err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return g, nil
}

// GrantAll issues every standard capability to subject in one atomic batch.
// Capabilities the subject already actively holds are kept as they are;
// after success the subject holds all of them. Returns the active grants in
// standard order.
func (l *Ledger) GrantAll(subject core.PeerID) ([]*Grant, error) {
	if err := l.checkStanding(subject); err != nil {
		return nil, err
	}
	now := l.clk.Now()

	mu := l.lockFor(subject)
	mu.Lock()
	existing, err := l.store.Between(l.self, subject)
	if err != nil {
		mu.Unlock()
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}

	active := make(map[core.Capability]*Grant)
	for _, g := range existing {
		if g.ActiveAt(now) {
			active[g.Capability] = g
		}
	}

	var batch []*Grant
	for _, capability := range core.StandardCapabilities {
		if _, ok := active[capability]; ok {
			continue
		}
		batch = append(batch, &Grant{
			ID:         uuid.NewString(),
			Issuer:     l.self,
			Subject:    subject,
			Capability: capability,
			IssuedAt:   now,
		})
	}
	if len(batch) > 0 {
		if err := l.store.PutGrants(batch); err != nil {
			mu.Unlock()
			return nil, fault.Wrap(fault.CodeDatabase, err)
		}
		for _, g := range batch {
			active[g.Capability] = g
		}
	}
	mu.Unlock()

	l.log.Info("granted all capabilities", "peer", subject.Short(), "new", len(batch))
	for _, g := range batch {
		l.fireIssued(g)
	}

	out := make([]*Grant, 0, len(core.StandardCapabilities))
	for _, capability := range core.StandardCapabilities {
		out = append(out, active[capability])
	}
	return out, nil
}

// Revoke withdraws capability from subject. Returns true if an unrevoked
// grant was stamped; revoking an absent or already-revoked capability
// returns false without error.
func (l *Ledger) Revoke(subject core.PeerID, capability core.Capability) bool {
	now := l.clk.Now()

	mu := l.lockFor(subject)
	mu.Lock()
	grants, err := l.store.Between(l.self, subject)
	if err != nil {
		mu.Unlock()
		l.log.Error("grant lookup failed", "peer", subject.Short(), "error", err)
		return false
	}
	revoked := false
	for _, g := range grants {
		if g.Capability != capability || g.Revoked() {
			continue
		}
		if err := l.store.Revoke(g.ID, now); err != nil {
			mu.Unlock()
			l.log.Error("grant revoke failed", "grant", g.ID, "error", err)
			return false
		}
		revoked = true
	}
	mu.Unlock()

	if !revoked {
		return false
	}
	l.log.Info("grant revoked", "peer", subject.Short(), "capability", capability)
	l.cbMu.RLock()
	fn := l.onRevoked
	l.cbMu.RUnlock()
	if fn != nil {
		fn(subject, capability)
	}
	return true
}

// PeerHasCapability reports whether peer currently holds a valid grant of
// capability from this node. Validity is computed on the spot: the record
// must be live and the peer a known, unblocked contact.
func (l *Ledger) PeerHasCapability(peer core.PeerID, capability core.Capability) bool {
	if !l.contacts.IsContact(peer) || l.contacts.IsBlocked(peer) {
		return false
	}
	now := l.clk.Now()
	grants, err := l.store.Between(l.self, peer)
	if err != nil {
		l.log.Error("grant lookup failed", "peer", peer.Short(), "error", err)
		return false
	}
	for _, g := range grants {
		if g.Capability == capability && g.ActiveAt(now) {
			return true
		}
	}
	return false
}

// WeHaveCapability reports whether this node currently holds a valid grant
// of capability from peer.
func (l *Ledger) WeHaveCapability(peer core.PeerID, capability core.Capability) bool {
	if !l.contacts.IsContact(peer) || l.contacts.IsBlocked(peer) {
		return false
	}
	now := l.clk.Now()
	grants, err := l.store.Between(peer, l.self)
	if err != nil {
		l.log.Error("grant lookup failed", "peer", peer.Short(), "error", err)
		return false
	}
	for _, g := range grants {
		if g.Capability == capability && g.ActiveAt(now) {
			return true
		}
	}
	return false
}

// IssuedTo returns every grant this node issued to subject, including
// revoked and expired records.
func (l *Ledger) IssuedTo(subject core.PeerID) ([]*Grant, error) {
	grants, err := l.store.Between(l.self, subject)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return grants, nil
}

// ReceivedFrom returns every grant issuer extended to this node, including
// revoked and expired records.
func (l *Ledger) ReceivedFrom(issuer core.PeerID) ([]*Grant, error) {
	grants, err := l.store.Between(issuer, l.self)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return grants, nil
}

// ValidIssuedTo returns the currently valid grants this node issued to
// subject.
func (l *Ledger) ValidIssuedTo(subject core.PeerID) []*Grant {
	if !l.contacts.IsContact(subject) || l.contacts.IsBlocked(subject) {
		return nil
	}
	grants, err := l.IssuedTo(subject)
	if err != nil {
		l.log.Error("grant lookup failed", "peer", subject.Short(), "error", err)
		return nil
	}
	return filterActive(grants, l.clk.Now())
}

// ValidReceivedFrom returns the currently valid grants issuer extended to
// this node.
func (l *Ledger) ValidReceivedFrom(issuer core.PeerID) []*Grant {
	if !l.contacts.IsContact(issuer) || l.contacts.IsBlocked(issuer) {
		return nil
	}
	grants, err := l.ReceivedFrom(issuer)
	if err != nil {
		l.log.Error("grant lookup failed", "peer", issuer.Short(), "error", err)
		return nil
	}
	return filterActive(grants, l.clk.Now())
}

func filterActive(grants []*Grant, now time.Time) []*Grant {
	var out []*Grant
	for _, g := range grants {
		if g.ActiveAt(now) {
			out = append(out, g)
		}
	}
	return out
}

// IngestReceived records a grant a peer issued to this node, taken from a
// verified wire notice. Re-delivery of the same grant ID is a no-op.
func (l *Ledger) IngestReceived(g *Grant) error {
	if g == nil || g.ID == "" {
		return fault.New(fault.CodeValidation, "grant has no id")
	}
	if g.Subject != l.self {
		return fault.New(fault.CodeValidation, "grant %s not addressed to this node", g.ID)
	}
	if !g.Capability.IsKnown() {
		return fault.New(fault.CodeValidation, "unknown capability %q", g.Capability)
	}
	if !g.ExpiresAt.IsZero() && !g.ExpiresAt.After(g.IssuedAt) {
		return fault.New(fault.CodeValidation, "grant %s expires before issue", g.ID)
	}
	if err := l.checkStanding(g.Issuer); err != nil {
		return err
	}

	mu := l.lockFor(g.Issuer)
	mu.Lock()
	existing, err := l.store.Get(g.ID)
	if err != nil {
		mu.Unlock()
		return fault.Wrap(fault.CodeDatabase, err)
	}
	if existing != nil {
		mu.Unlock()
		return nil
	}
	if err := l.store.PutGrants([]*Grant{g.Clone()}); err != nil {
		mu.Unlock()
		return fault.Wrap(fault.CodeDatabase, err)
	}
	mu.Unlock()

	l.log.Info("grant received", "peer", g.Issuer.Short(), "capability", g.Capability)
	l.cbMu.RLock()
	fn := l.onReceived
	l.cbMu.RUnlock()
	if fn != nil {
		fn(g.Clone())
	}
	return nil
}

// IngestRevoke stamps received grants of capability from issuer as revoked,
// from a verified wire notice. Returns true if any grant changed state.
func (l *Ledger) IngestRevoke(issuer core.PeerID, capability core.Capability) bool {
	now := l.clk.Now()

	mu := l.lockFor(issuer)
	mu.Lock()
	grants, err := l.store.Between(issuer, l.self)
	if err != nil {
		mu.Unlock()
		l.log.Error("grant lookup failed", "peer", issuer.Short(), "error", err)
		return false
	}
	revoked := false
	for _, g := range grants {
		if g.Capability != capability || g.Revoked() {
			continue
		}
		if err := l.store.Revoke(g.ID, now); err != nil {
			mu.Unlock()
			l.log.Error("grant revoke failed", "grant", g.ID, "error", err)
			return false
		}
		revoked = true
	}
	mu.Unlock()

	if !revoked {
		return false
	}
	l.log.Info("received grant revoked by issuer", "peer", issuer.Short(), "capability", capability)
	l.cbMu.RLock()
	fn := l.onReceivedRevoked
	l.cbMu.RUnlock()
	if fn != nil {
		fn(issuer, capability)
	}
	return true
}

func (l *Ledger) fireIssued(g *Grant) {
	l.cbMu.RLock()
	fn := l.onIssued
	l.cbMu.RUnlock()
	if fn != nil {
		fn(g.Clone())
	}
}
