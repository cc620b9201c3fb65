package feed

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
)

const (
	// DefaultPageSize is the number of items served per manifest page.
	DefaultPageSize = 50

	// DefaultMaxBodyBytes bounds the body of a locally composed post.
	DefaultMaxBodyBytes = 16 * 1024
)

// Config configures a sync Engine. Keys, Store, and Send are required.
type Config struct {
	// Keys signs authored items and outbound envelopes.
	Keys *identity.KeyPair

	// Store holds accepted items.
	Store ItemStore

	// Send delivers an envelope to a peer over the best available path.
	// Called without engine locks held.
	Send func(peer core.PeerID, env *wire.Envelope) error

	// WeHave reports whether this node holds cap granted by peer. Gates
	// outbound fetches. Nil means always allowed.
	WeHave func(peer core.PeerID, cap core.Capability) bool

	// PeerHas reports whether peer holds cap granted by this node. Gates
	// served manifests. Nil means always allowed.
	PeerHas func(peer core.PeerID, cap core.Capability) bool

	// RelayPeers lists the contacts replicating this node's wall, the
	// targets for tombstone pushes. May be nil.
	RelayPeers func() []core.PeerID

	// PageSize is the number of items per served manifest page. Defaults
	// to DefaultPageSize.
	PageSize int

	// MaxBodyBytes bounds composed post bodies. Defaults to
	// DefaultMaxBodyBytes.
	MaxBodyBytes int

	// Pending tracks outstanding requests. One is created when nil.
	Pending *Tracker

	Lamport *clock.Lamport
	Clock   *clock.Clock
	Bus     *event.Bus
	Logger  *slog.Logger
}

type sessionKey struct {
	peer    core.PeerID
	channel core.Channel
}

// session is one fetch conversation with a peer about one channel. At most
// one request per session is in flight.
type session struct {
	nextPage   int
	inFlightID string // envelope ID of the outstanding request, "" when idle
	applied    int    // items applied during the current round
	halted     bool   // stop requesting until the next explicit Sync
	syncErr    bool
}

// Engine runs content synchronization. It fetches manifest pages from peers
// whose walls this node may read, serves pages to peers allowed to read
// ours, and fans authored tombstones out to relay contacts. Each peer's
// session fails independently; one unreachable peer never stalls another.
type Engine struct {
	cfg     Config
	self    core.PeerID
	log     *slog.Logger
	clk     *clock.Clock
	lamport *clock.Lamport
	pending *Tracker

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// New creates an Engine. The local Lamport counter is seeded from the store
// so a restart never reissues a clock value already used.
func New(cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Lamport == nil {
		cfg.Lamport = clock.NewLamport()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pending == nil {
		cfg.Pending = NewTracker(TrackerConfig{Clock: cfg.Clock, Logger: logger})
	}

	e := &Engine{
		cfg:      cfg,
		self:     cfg.Keys.PeerID(),
		log:      logger.WithGroup("feed"),
		clk:      cfg.Clock,
		lamport:  cfg.Lamport,
		pending:  cfg.Pending,
		sessions: make(map[sessionKey]*session),
	}
	if max, err := cfg.Store.MaxClock(e.self); err == nil {
		e.lamport.Observe(e.self, max)
	}
	return e
}

// Start runs the retry loop for outstanding requests. Blocks until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) { e.pending.Start(ctx) }

// Stop halts the retry loop.
func (e *Engine) Stop() { e.pending.Stop() }

// Pending exposes the request tracker.
func (e *Engine) Pending() *Tracker { return e.pending }

// Store returns the item store the engine applies into.
func (e *Engine) Store() ItemStore { return e.cfg.Store }

// Compose authors a post on channel, signs it, and stores it.
func (e *Engine) Compose(channel core.Channel, body string) (*core.Item, *fault.Fault) {
	if !channel.IsValid() {
		return nil, fault.New(fault.CodeValidation, "invalid channel %q", channel)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fault.New(fault.CodeValidation, "post body is empty")
	}
	if len(body) > e.cfg.MaxBodyBytes {
		return nil, fault.New(fault.CodeValidation, "post body exceeds %d bytes", e.cfg.MaxBodyBytes)
	}

	it := core.Item{
		ID:        uuid.NewString(),
		Author:    e.self,
		Channel:   channel,
		Kind:      core.ItemPost,
		Body:      body,
		Lamport:   e.lamport.Next(e.self),
		CreatedAt: e.clk.Unix(),
	}
	wire.SignItem(e.cfg.Keys, &it)
	if _, err := e.cfg.Store.Apply(it); err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	e.log.Info("post composed", "channel", channel, "id", it.ID, "clock", it.Lamport)
	return &it, nil
}

// Delete tombstones one of this node's own posts. Deleting an already
// deleted post returns the existing tombstone. The tombstone is pushed to
// every relay contact; each delivery is confirmed on the event stream when
// the relay acknowledges it.
func (e *Engine) Delete(id string) (*core.Item, *fault.Fault) {
	held, err := e.cfg.Store.Get(e.self, id)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	if held == nil {
		return nil, fault.New(fault.CodeNotFound, "no post %s", id)
	}
	if held.IsTombstone() {
		return held, nil
	}

	ts := core.Item{
		ID:        id,
		Author:    e.self,
		Channel:   held.Channel,
		Kind:      core.ItemTombstone,
		Lamport:   e.lamport.Next(e.self),
		CreatedAt: held.CreatedAt,
		DeletedAt: e.clk.Unix(),
	}
	wire.SignItem(e.cfg.Keys, &ts)
	if _, err := e.cfg.Store.Apply(ts); err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	e.log.Info("post deleted", "channel", ts.Channel, "id", id, "clock", ts.Lamport)
	e.pushToRelays(ts)
	return &ts, nil
}

// Items lists the accepted items authored by author on channel, tombstones
// included, in feed order.
func (e *Engine) Items(channel core.Channel, author core.PeerID) ([]core.Item, *fault.Fault) {
	items, err := e.cfg.Store.ByAuthor(channel, author)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return items, nil
}

// Feed lists every author's live items on channel in feed order, the view a
// reader renders.
func (e *Engine) Feed(channel core.Channel) ([]core.Item, *fault.Fault) {
	if !channel.IsValid() {
		return nil, fault.New(fault.CodeValidation, "invalid channel %q", channel)
	}
	items, err := e.cfg.Store.Channel(channel, false)
	if err != nil {
		return nil, fault.Wrap(fault.CodeDatabase, err)
	}
	return items, nil
}

// Sync starts or restarts a fetch round for peer's channel. It clears any
// halt left by a revocation, so an explicit refresh after a fresh grant
// resumes fetching. Fails when this node holds no wall_read grant from the
// peer.
func (e *Engine) Sync(peer core.PeerID, channel core.Channel) *fault.Fault {
	if !channel.IsValid() {
		return fault.New(fault.CodeValidation, "invalid channel %q", channel)
	}
	if e.cfg.WeHave != nil && !e.cfg.WeHave(peer, core.CapabilityWallRead) {
		return fault.New(fault.CodePermissionDenied, "no wall_read grant from %s", peer.Short())
	}

	e.mu.Lock()
	s := e.sessionLocked(peer, channel)
	s.halted = false
	s.syncErr = false
	if s.inFlightID != "" {
		e.mu.Unlock()
		return nil // round already running
	}
	s.nextPage = 0
	s.applied = 0
	e.mu.Unlock()

	e.requestPage(peer, channel, 0)
	return nil
}

// HandleManifest applies one received manifest page and advances its
// session. Pages are also accepted unsolicited: a peer that just granted
// wall_read pushes page zero without a request.
func (e *Engine) HandleManifest(from core.PeerID, m *wire.Manifest) {
	e.pending.Resolve(manifestKey(from, m.Channel, m.Page))

	applied := e.applyItems(from, m.Items)

	e.publish(event.ContentManifestReceived, from, ManifestData{
		Channel:   m.Channel,
		Page:      m.Page,
		PostCount: m.PostCount,
		HasMore:   m.HasMore,
	})
	if applied > 0 {
		e.publish(event.WallPostsReceived, from, PostsData{Channel: m.Channel, Count: applied})
	}

	e.mu.Lock()
	s := e.sessionLocked(from, m.Channel)
	s.inFlightID = ""
	s.applied += applied
	current := m.Page == s.nextPage
	finished := current && !m.HasMore
	total := 0
	if finished {
		total = s.applied
		s.nextPage = 0
		s.applied = 0
	}
	proceed := current && m.HasMore && !s.halted
	next := m.Page + 1
	e.mu.Unlock()

	switch {
	case finished:
		e.publish(event.ContentFetched, from, FetchedData{Channel: m.Channel, Applied: total})
	case proceed:
		if e.cfg.WeHave != nil && !e.cfg.WeHave(from, core.CapabilityWallRead) {
			return // grant vanished mid-round
		}
		e.requestPage(from, m.Channel, next)
	}
}

// HandleManifestReq serves one page of this node's items for the requested
// channel. Requests from peers without wall_read get an error reply and no
// content.
func (e *Engine) HandleManifestReq(env *wire.Envelope, req *wire.ManifestReq) {
	from := env.From
	if e.cfg.PeerHas != nil && !e.cfg.PeerHas(from, core.CapabilityWallRead) {
		e.log.Debug("refusing manifest request", "peer", from.Short(), "channel", req.Channel)
		e.sendError(from, env.ID, fault.CodePermissionDenied, "wall_read required")
		return
	}
	if !req.Channel.IsValid() || req.Page < 0 {
		e.sendError(from, env.ID, fault.CodeValidation, "bad manifest request")
		return
	}
	e.servePage(from, req.Channel, req.Page)
}

// GrantPush sends page zero of channel to a peer that was just granted read
// access, so new grantees see content without asking first.
func (e *Engine) GrantPush(peer core.PeerID, channel core.Channel) {
	if e.cfg.PeerHas != nil && !e.cfg.PeerHas(peer, core.CapabilityWallRead) {
		return
	}
	e.servePage(peer, channel, 0)
}

// HandlePush applies items a peer fans out without a request, typically
// tombstones for content this node replicates. Only the sender's own items
// are accepted. The push is acknowledged so the sender stops retrying.
func (e *Engine) HandlePush(env *wire.Envelope, push *wire.Push) {
	from := env.From
	kept := make([]core.Item, 0, len(push.Items))
	for _, it := range push.Items {
		if it.Author != from {
			e.log.Warn("dropping pushed item not authored by sender",
				"peer", from.Short(), "author", it.Author.Short(), "id", it.ID)
			continue
		}
		kept = append(kept, it)
	}
	e.applyItems(from, kept)

	ack, err := wire.Seal(e.cfg.Keys, wire.TypeAck, from, e.clk.Unix(), &wire.Ack{AckID: env.ID})
	if err != nil {
		return
	}
	if err := e.cfg.Send(from, ack); err != nil {
		e.log.Debug("push ack send failed", "peer", from.Short(), "error", err)
	}
}

// HandleAck resolves a pending push by the envelope ID it acknowledges.
func (e *Engine) HandleAck(ack *wire.Ack) {
	e.pending.Resolve(pushKey(ack.AckID))
}

// HandleWireError reacts to an error reply naming one of this node's
// manifest requests. A permission denial halts the session instead of
// retrying: only an explicit Sync after a fresh grant resumes it.
func (e *Engine) HandleWireError(from core.PeerID, werr *wire.Error) {
	e.mu.Lock()
	var (
		found   bool
		channel core.Channel
		page    int
	)
	for key, s := range e.sessions {
		if key.peer == from && s.inFlightID != "" && s.inFlightID == werr.ReplyTo {
			found = true
			channel = key.channel
			page = s.nextPage
			s.inFlightID = ""
			s.syncErr = true
			if werr.Code == string(fault.CodePermissionDenied) {
				s.halted = true
			}
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return
	}
	e.pending.Cancel(manifestKey(from, channel, page))
	e.publish(event.ContentSyncError, from, SyncErrorData{
		Channel: channel,
		Code:    werr.Code,
		Reason:  werr.Message,
	})
}

// HandleRevoked halts every fetch session with peer after it withdrew this
// node's read access. Applied items stay; nothing new is requested until an
// explicit Sync after a fresh grant.
func (e *Engine) HandleRevoked(peer core.PeerID) {
	e.mu.Lock()
	for key, s := range e.sessions {
		if key.peer == peer {
			s.halted = true
			s.inFlightID = ""
		}
	}
	e.mu.Unlock()
	e.cancelManifests(peer)
}

// HandleDisconnected abandons in-flight requests to a peer that went away.
// Sessions reset to page zero so a reconnect refetches from the top;
// applied items are kept.
func (e *Engine) HandleDisconnected(peer core.PeerID) {
	e.mu.Lock()
	for key, s := range e.sessions {
		if key.peer == peer {
			s.inFlightID = ""
			s.nextPage = 0
			s.applied = 0
		}
	}
	e.mu.Unlock()
	e.cancelManifests(peer)
}

// requestPage sends one manifest request and tracks it for retry. Skipped
// when the session was halted between scheduling and send.
func (e *Engine) requestPage(peer core.PeerID, channel core.Channel, page int) {
	env, err := wire.Seal(e.cfg.Keys, wire.TypeManifestReq, peer, e.clk.Unix(), &wire.ManifestReq{
		Channel: channel,
		Page:    page,
	})
	if err != nil {
		e.log.Warn("sealing manifest request failed", "peer", peer.Short(), "error", err)
		return
	}

	e.mu.Lock()
	s := e.sessionLocked(peer, channel)
	if s.halted {
		e.mu.Unlock()
		return
	}
	s.nextPage = page
	s.inFlightID = env.ID
	e.mu.Unlock()

	e.pending.Track(manifestKey(peer, channel, page), PendingRequest{
		Resend: func() error { return e.cfg.Send(peer, env) },
		OnExhausted: func() {
			e.failSession(peer, channel, "", "manifest request timed out")
		},
	})
	if err := e.cfg.Send(peer, env); err != nil {
		e.log.Debug("manifest request send failed, retry pending",
			"peer", peer.Short(), "page", page, "error", err)
	}
}

// servePage sends one manifest page, tombstones included so deletions
// propagate.
func (e *Engine) servePage(peer core.PeerID, channel core.Channel, page int) {
	items, err := e.cfg.Store.Channel(channel, true)
	if err != nil {
		e.log.Error("listing channel failed", "channel", channel, "error", err)
		return
	}
	start := min(page*e.cfg.PageSize, len(items))
	end := min(start+e.cfg.PageSize, len(items))
	env, err := wire.Seal(e.cfg.Keys, wire.TypeManifest, peer, e.clk.Unix(), &wire.Manifest{
		Channel:   channel,
		Page:      page,
		PostCount: len(items),
		HasMore:   end < len(items),
		Items:     items[start:end],
	})
	if err != nil {
		e.log.Warn("sealing manifest failed", "peer", peer.Short(), "error", err)
		return
	}
	if err := e.cfg.Send(peer, env); err != nil {
		e.log.Debug("manifest send failed", "peer", peer.Short(), "page", page, "error", err)
	}
}

// applyItems verifies and applies a batch of items received from a peer.
// Items with bad signatures are dropped. Returns the number accepted as new
// versions.
func (e *Engine) applyItems(from core.PeerID, items []core.Item) int {
	applied := 0
	for _, it := range items {
		if !wire.VerifyItem(&it) {
			e.log.Warn("dropping item with bad signature", "peer", from.Short(), "id", it.ID)
			continue
		}
		res, err := e.cfg.Store.Apply(it)
		if err != nil {
			e.log.Error("applying item failed", "id", it.ID, "error", err)
			continue
		}
		e.lamport.Observe(it.Author, it.Lamport)
		if res != Applied {
			continue
		}
		applied++
		e.publish(event.WallPostSynced, from, PostData{
			Channel: it.Channel,
			ID:      it.ID,
			Author:  it.Author,
			Deleted: it.IsTombstone(),
		})
	}
	return applied
}

// pushToRelays fans an authored tombstone out to every relay contact and
// tracks each push until the relay acknowledges it.
func (e *Engine) pushToRelays(it core.Item) {
	if e.cfg.RelayPeers == nil {
		return
	}
	for _, relay := range e.cfg.RelayPeers() {
		env, err := wire.Seal(e.cfg.Keys, wire.TypePush, relay, e.clk.Unix(), &wire.Push{
			Channel: it.Channel,
			Items:   []core.Item{it},
		})
		if err != nil {
			e.log.Warn("sealing push failed", "peer", relay.Short(), "error", err)
			continue
		}
		e.pending.Track(pushKey(env.ID), PendingRequest{
			Resend: func() error { return e.cfg.Send(relay, env) },
			OnResolve: func() {
				e.publish(event.WallPostDeletedOnRelay, relay, RelayDeleteData{
					Channel: it.Channel,
					ID:      it.ID,
				})
			},
			OnExhausted: func() {
				e.publish(event.ContentSyncError, relay, SyncErrorData{
					Channel: it.Channel,
					Reason:  "tombstone delivery unacknowledged",
				})
			},
		})
		if err := e.cfg.Send(relay, env); err != nil {
			e.log.Debug("push send failed, retry pending", "peer", relay.Short(), "error", err)
		}
	}
}

// failSession records a failed round and surfaces it on the event stream.
// Other peers' sessions are untouched.
func (e *Engine) failSession(peer core.PeerID, channel core.Channel, code, reason string) {
	e.mu.Lock()
	s := e.sessionLocked(peer, channel)
	s.inFlightID = ""
	s.syncErr = true
	e.mu.Unlock()
	e.publish(event.ContentSyncError, peer, SyncErrorData{Channel: channel, Code: code, Reason: reason})
}

func (e *Engine) sendError(peer core.PeerID, replyTo string, code fault.Code, msg string) {
	env, err := wire.Seal(e.cfg.Keys, wire.TypeError, peer, e.clk.Unix(), &wire.Error{
		Code:    string(code),
		Message: msg,
		ReplyTo: replyTo,
	})
	if err != nil {
		return
	}
	if err := e.cfg.Send(peer, env); err != nil {
		e.log.Debug("error reply send failed", "peer", peer.Short(), "error", err)
	}
}

func (e *Engine) cancelManifests(peer core.PeerID) {
	prefix := "manifest|" + peer.String() + "|"
	e.pending.CancelMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// sessionLocked returns the session for (peer, channel), creating it on
// first use. Caller holds e.mu.
func (e *Engine) sessionLocked(peer core.PeerID, channel core.Channel) *session {
	key := sessionKey{peer: peer, channel: channel}
	s, ok := e.sessions[key]
	if !ok {
		s = &session{}
		e.sessions[key] = s
	}
	return s
}

func (e *Engine) publish(kind event.Kind, peer core.PeerID, data any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(event.Event{Kind: kind, Peer: peer, Data: data})
}

func manifestKey(peer core.PeerID, channel core.Channel, page int) string {
	return "manifest|" + peer.String() + "|" + string(channel) + "|" + strconv.Itoa(page)
}

func pushKey(envID string) string { return "push|" + envID }
