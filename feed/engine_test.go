package feed

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
)

type sentEnv struct {
	to  core.PeerID
	env *wire.Envelope
}

type engineHarness struct {
	t      *testing.T
	engine *Engine
	store  *MemStore
	keys   *identity.KeyPair
	self   core.PeerID
	clk    *clock.Clock
	bus    *event.Bus
	sub    *event.Subscription

	remoteKeys *identity.KeyPair
	remote     core.PeerID

	mu      sync.Mutex
	sent    []sentEnv
	granted map[core.PeerID]bool
	holders map[core.PeerID]bool
	relays  []core.PeerID
}

func newEngineHarness(t *testing.T, pageSize int) *engineHarness {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	remoteKeys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	clk := clock.NewManual(time.Unix(5000, 0))
	bus := event.NewBus(event.Config{Clock: clk})
	t.Cleanup(bus.Close)

	h := &engineHarness{
		t:          t,
		store:      NewMemStore(),
		keys:       keys,
		self:       keys.PeerID(),
		clk:        clk,
		bus:        bus,
		sub:        bus.Subscribe(256, event.Filter{}),
		remoteKeys: remoteKeys,
		remote:     remoteKeys.PeerID(),
		granted:    make(map[core.PeerID]bool),
		holders:    make(map[core.PeerID]bool),
	}
	h.engine = New(Config{
		Keys:       keys,
		Store:      h.store,
		Send:       h.send,
		WeHave:     func(p core.PeerID, _ core.Capability) bool { return h.granted[p] },
		PeerHas:    func(p core.PeerID, _ core.Capability) bool { return h.holders[p] },
		RelayPeers: func() []core.PeerID { return h.relays },
		PageSize:   pageSize,
		Pending:    NewTracker(TrackerConfig{Timeout: 10 * time.Second, MaxRetries: 2, Clock: clk}),
		Clock:      clk,
		Bus:        bus,
	})
	return h
}

func (h *engineHarness) send(peer core.PeerID, env *wire.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentEnv{to: peer, env: env})
	return nil
}

// takeSent drains and returns everything sent since the last call.
func (h *engineHarness) takeSent() []sentEnv {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.sent
	h.sent = nil
	return out
}

// takeOne drains the sent queue and fails unless it holds exactly one
// envelope of the given type.
func (h *engineHarness) takeOne(typ wire.Type) sentEnv {
	h.t.Helper()
	sent := h.takeSent()
	if len(sent) != 1 || sent[0].env.Type != typ {
		h.t.Fatalf("sent = %v, want exactly one %s", sentTypes(sent), typ)
	}
	return sent[0]
}

func sentTypes(sent []sentEnv) []wire.Type {
	types := make([]wire.Type, len(sent))
	for i, s := range sent {
		types[i] = s.env.Type
	}
	return types
}

func (h *engineHarness) waitFor(kind event.Kind, peer core.PeerID) event.Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.sub.Events():
			if !ok {
				h.t.Fatal("event subscription closed early")
			}
			if ev.Kind == kind && (peer.IsZero() || ev.Peer == peer) {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (h *engineHarness) expectNoEvent(kind event.Kind) {
	h.t.Helper()
	timer := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-h.sub.Events():
			if ev.Kind == kind {
				h.t.Fatalf("unexpected %q event for %s", ev.Kind, ev.Peer.Short())
			}
		case <-timer:
			return
		}
	}
}

func signedPost(kp *identity.KeyPair, id string, clk uint64, body string) core.Item {
	it := core.Item{
		ID:        id,
		Author:    kp.PeerID(),
		Channel:   core.ChannelWall,
		Kind:      core.ItemPost,
		Body:      body,
		Lamport:   clk,
		CreatedAt: 4000,
	}
	wire.SignItem(kp, &it)
	return it
}

func signedTomb(kp *identity.KeyPair, id string, clk uint64) core.Item {
	it := core.Item{
		ID:        id,
		Author:    kp.PeerID(),
		Channel:   core.ChannelWall,
		Kind:      core.ItemTombstone,
		Lamport:   clk,
		CreatedAt: 4000,
		DeletedAt: 4100,
	}
	wire.SignItem(kp, &it)
	return it
}

func TestEngine_ComposeAndDelete(t *testing.T) {
	h := newEngineHarness(t, 0)

	first, f := h.engine.Compose(core.ChannelWall, "hello wall")
	if f != nil {
		t.Fatalf("Compose: %v", f)
	}
	if first.Lamport != 1 || first.Author != h.self {
		t.Errorf("item = clock %d author %s", first.Lamport, first.Author.Short())
	}
	if !wire.VerifyItem(first) {
		t.Error("composed item has an invalid signature")
	}

	second, f := h.engine.Compose(core.ChannelWall, "again")
	if f != nil {
		t.Fatalf("Compose: %v", f)
	}
	if second.Lamport != 2 {
		t.Errorf("second clock = %d, want 2", second.Lamport)
	}

	ts, f := h.engine.Delete(first.ID)
	if f != nil {
		t.Fatalf("Delete: %v", f)
	}
	if !ts.IsTombstone() || ts.Lamport != 3 || ts.DeletedAt == 0 {
		t.Errorf("tombstone = kind %s clock %d deletedAt %d", ts.Kind, ts.Lamport, ts.DeletedAt)
	}
	if !wire.VerifyItem(ts) {
		t.Error("tombstone has an invalid signature")
	}

	// Deleting again returns the existing tombstone without a new clock.
	again, f := h.engine.Delete(first.ID)
	if f != nil {
		t.Fatalf("second Delete: %v", f)
	}
	if again.Lamport != ts.Lamport {
		t.Errorf("repeat delete minted clock %d, want %d", again.Lamport, ts.Lamport)
	}

	if _, f := h.engine.Delete("no-such-post"); f == nil || f.Code != fault.CodeNotFound {
		t.Errorf("Delete(unknown) = %v, want NOT_FOUND", f)
	}
}

func TestEngine_ComposeValidation(t *testing.T) {
	h := newEngineHarness(t, 0)

	cases := []struct {
		name    string
		channel core.Channel
		body    string
	}{
		{"empty body", core.ChannelWall, "   "},
		{"bad channel", core.Channel("attic"), "hi"},
		{"oversize body", core.ChannelWall, string(make([]byte, DefaultMaxBodyBytes+1))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, f := h.engine.Compose(tc.channel, tc.body); f == nil || f.Code != fault.CodeValidation {
				t.Errorf("Compose = %v, want VALIDATION_ERROR", f)
			}
		})
	}
}

func TestEngine_LamportSeededFromStore(t *testing.T) {
	keys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemStore()
	it := core.Item{
		ID:        "old",
		Author:    keys.PeerID(),
		Channel:   core.ChannelWall,
		Kind:      core.ItemPost,
		Body:      "from a past run",
		Lamport:   7,
		CreatedAt: 100,
	}
	wire.SignItem(keys, &it)
	if _, err := store.Apply(it); err != nil {
		t.Fatal(err)
	}

	eng := New(Config{Keys: keys, Store: store, Send: func(core.PeerID, *wire.Envelope) error { return nil }})
	fresh, f := eng.Compose(core.ChannelWall, "after restart")
	if f != nil {
		t.Fatal(f)
	}
	if fresh.Lamport != 8 {
		t.Errorf("clock after restart = %d, want 8", fresh.Lamport)
	}
}

func TestEngine_SyncWalksPages(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	req := h.takeOne(wire.TypeManifestReq)
	if req.to != h.remote {
		t.Errorf("request sent to %s", req.to.Short())
	}
	var mr wire.ManifestReq
	if err := req.env.DecodeBody(&mr); err != nil {
		t.Fatal(err)
	}
	if mr.Channel != core.ChannelWall || mr.Page != 0 {
		t.Errorf("requested %s page %d, want wall page 0", mr.Channel, mr.Page)
	}

	// Page 0 of 2.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		Page:      0,
		PostCount: 3,
		HasMore:   true,
		Items: []core.Item{
			signedPost(h.remoteKeys, "p1", 1, "one"),
			signedPost(h.remoteKeys, "p2", 2, "two"),
		},
	})
	ev := h.waitFor(event.ContentManifestReceived, h.remote)
	if data := ev.Data.(ManifestData); data.Page != 0 || !data.HasMore {
		t.Errorf("manifest event = %+v", data)
	}
	h.waitFor(event.WallPostsReceived, h.remote)

	next := h.takeOne(wire.TypeManifestReq)
	if err := next.env.DecodeBody(&mr); err != nil {
		t.Fatal(err)
	}
	if mr.Page != 1 {
		t.Fatalf("followup requested page %d, want 1", mr.Page)
	}

	// Final page.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		Page:      1,
		PostCount: 3,
		HasMore:   false,
		Items:     []core.Item{signedPost(h.remoteKeys, "p3", 3, "three")},
	})
	ev = h.waitFor(event.ContentFetched, h.remote)
	if data := ev.Data.(FetchedData); data.Applied != 3 {
		t.Errorf("fetched applied = %d, want 3", data.Applied)
	}
	if len(h.takeSent()) != 0 {
		t.Error("engine kept requesting after the final page")
	}

	items, _ := h.store.ByAuthor(core.ChannelWall, h.remote)
	if len(items) != 3 {
		t.Errorf("stored %d items, want 3", len(items))
	}
}

func TestEngine_ManifestAppliedTwiceConverges(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	items := make([]core.Item, 50)
	for i := range items {
		items[i] = signedPost(h.remoteKeys, fmt.Sprintf("p%02d", i), uint64(i+1), "post body")
	}
	page := &wire.Manifest{Channel: core.ChannelWall, PostCount: 50, Items: items}

	h.engine.HandleManifest(h.remote, page)
	if ev := h.waitFor(event.ContentFetched, h.remote); ev.Data.(FetchedData).Applied != 50 {
		t.Fatalf("first pass applied %d, want 50", ev.Data.(FetchedData).Applied)
	}
	first, _ := h.store.Channel(core.ChannelWall, true)

	h.engine.HandleManifest(h.remote, page)
	if ev := h.waitFor(event.ContentFetched, h.remote); ev.Data.(FetchedData).Applied != 0 {
		t.Fatalf("second pass applied %d, want 0", ev.Data.(FetchedData).Applied)
	}
	h.expectNoEvent(event.WallPostsReceived)

	second, _ := h.store.Channel(core.ChannelWall, true)
	if len(first) != 50 || len(second) != 50 {
		t.Fatalf("store holds %d then %d items, want 50", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Lamport != second[i].Lamport {
			t.Fatalf("item %d changed between passes", i)
		}
	}
}

func TestEngine_PushTombstoneTerminal(t *testing.T) {
	h := newEngineHarness(t, 0)

	ts := signedTomb(h.remoteKeys, "p1", 5)
	env, err := wire.Seal(h.remoteKeys, wire.TypePush, h.self, 5000, &wire.Push{
		Channel: core.ChannelWall,
		Items:   []core.Item{ts},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine.HandlePush(env, &wire.Push{Channel: core.ChannelWall, Items: []core.Item{ts}})

	ack := h.takeOne(wire.TypeAck)
	var a wire.Ack
	if err := ack.env.DecodeBody(&a); err != nil {
		t.Fatal(err)
	}
	if a.AckID != env.ID {
		t.Errorf("ack names %s, want %s", a.AckID, env.ID)
	}

	// A live version with a higher clock arriving later stays dead.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel: core.ChannelWall,
		Items:   []core.Item{signedPost(h.remoteKeys, "p1", 9, "necromancy")},
	})
	held, _ := h.store.Get(h.remote, "p1")
	if held == nil || !held.IsTombstone() || held.Lamport != 5 {
		t.Errorf("held = %+v, want the clock-5 tombstone", held)
	}
}

func TestEngine_PushRejectsForeignItems(t *testing.T) {
	h := newEngineHarness(t, 0)

	otherKeys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	foreign := signedPost(otherKeys, "f1", 1, "smuggled")
	env, err := wire.Seal(h.remoteKeys, wire.TypePush, h.self, 5000, &wire.Push{
		Channel: core.ChannelWall,
		Items:   []core.Item{foreign},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine.HandlePush(env, &wire.Push{Channel: core.ChannelWall, Items: []core.Item{foreign}})

	if held, _ := h.store.Get(otherKeys.PeerID(), "f1"); held != nil {
		t.Error("item authored by a third party was accepted from a push")
	}
	// Still acknowledged so the sender stops retrying.
	h.takeOne(wire.TypeAck)
}

func TestEngine_RevokeHaltsFetch(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	h.takeOne(wire.TypeManifestReq)

	h.granted[h.remote] = false
	h.engine.HandleRevoked(h.remote)
	if n := h.engine.Pending().PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after revoke, want 0", n)
	}

	// The in-flight reply still lands and its items are kept, but no
	// further page is requested.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		Page:      0,
		PostCount: 60,
		HasMore:   true,
		Items:     []core.Item{signedPost(h.remoteKeys, "p1", 1, "kept")},
	})
	h.waitFor(event.WallPostsReceived, h.remote)
	if sent := h.takeSent(); len(sent) != 0 {
		t.Fatalf("requested %v after revocation", sentTypes(sent))
	}
	if held, _ := h.store.Get(h.remote, "p1"); held == nil {
		t.Error("item from the in-flight page was discarded")
	}

	// Without a fresh grant an explicit refresh is refused.
	if f := h.engine.Sync(h.remote, core.ChannelWall); f == nil || f.Code != fault.CodePermissionDenied {
		t.Fatalf("Sync after revoke = %v, want PERMISSION_DENIED", f)
	}

	// A fresh grant and refresh resume from page zero.
	h.granted[h.remote] = true
	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	h.takeOne(wire.TypeManifestReq)
}

func TestEngine_PermissionDeniedHaltsNotRetries(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	req := h.takeOne(wire.TypeManifestReq)

	h.engine.HandleWireError(h.remote, &wire.Error{
		Code:    string(fault.CodePermissionDenied),
		Message: "wall_read required",
		ReplyTo: req.env.ID,
	})
	ev := h.waitFor(event.ContentSyncError, h.remote)
	if data := ev.Data.(SyncErrorData); data.Code != string(fault.CodePermissionDenied) {
		t.Errorf("sync error code = %q", data.Code)
	}

	// No retry fires, however long we wait.
	h.clk.Advance(5 * time.Minute)
	h.engine.Pending().checkTimeouts()
	if sent := h.takeSent(); len(sent) != 0 {
		t.Fatalf("denied request was retried: %v", sentTypes(sent))
	}
}

func TestEngine_ServesPagesWithGate(t *testing.T) {
	h := newEngineHarness(t, 2)
	h.holders[h.remote] = true

	ids := make([]string, 4)
	for i := range ids {
		it, f := h.engine.Compose(core.ChannelWall, fmt.Sprintf("post %d", i))
		if f != nil {
			t.Fatal(f)
		}
		ids[i] = it.ID
	}
	if _, f := h.engine.Delete(ids[1]); f != nil {
		t.Fatal(f)
	}

	ask := func(page int) *wire.Manifest {
		t.Helper()
		env, err := wire.Seal(h.remoteKeys, wire.TypeManifestReq, h.self, 5000, &wire.ManifestReq{
			Channel: core.ChannelWall,
			Page:    page,
		})
		if err != nil {
			t.Fatal(err)
		}
		h.engine.HandleManifestReq(env, &wire.ManifestReq{Channel: core.ChannelWall, Page: page})
		reply := h.takeOne(wire.TypeManifest)
		var m wire.Manifest
		if err := reply.env.DecodeBody(&m); err != nil {
			t.Fatal(err)
		}
		return &m
	}

	p0 := ask(0)
	if p0.PostCount != 4 || !p0.HasMore || len(p0.Items) != 2 {
		t.Fatalf("page 0 = count %d hasMore %v items %d", p0.PostCount, p0.HasMore, len(p0.Items))
	}
	p1 := ask(1)
	if p1.HasMore || len(p1.Items) != 2 {
		t.Fatalf("page 1 = hasMore %v items %d", p1.HasMore, len(p1.Items))
	}
	tombs := 0
	for _, it := range append(p0.Items, p1.Items...) {
		if it.IsTombstone() {
			tombs++
		}
	}
	if tombs != 1 {
		t.Errorf("served %d tombstones, want 1", tombs)
	}
	if p2 := ask(2); len(p2.Items) != 0 || p2.HasMore {
		t.Errorf("page past the end = %+v", p2)
	}

	// A peer without wall_read gets an error reply, never content.
	h.holders[h.remote] = false
	env, err := wire.Seal(h.remoteKeys, wire.TypeManifestReq, h.self, 5000, &wire.ManifestReq{
		Channel: core.ChannelWall,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine.HandleManifestReq(env, &wire.ManifestReq{Channel: core.ChannelWall})
	reply := h.takeOne(wire.TypeError)
	var werr wire.Error
	if err := reply.env.DecodeBody(&werr); err != nil {
		t.Fatal(err)
	}
	if werr.Code != string(fault.CodePermissionDenied) || werr.ReplyTo != env.ID {
		t.Errorf("error reply = %+v", werr)
	}
}

func TestEngine_GrantPushSendsPageZero(t *testing.T) {
	h := newEngineHarness(t, 0)
	if _, f := h.engine.Compose(core.ChannelWall, "visible to new readers"); f != nil {
		t.Fatal(f)
	}

	h.engine.GrantPush(h.remote, core.ChannelWall)
	if sent := h.takeSent(); len(sent) != 0 {
		t.Fatalf("pushed to a peer without wall_read: %v", sentTypes(sent))
	}

	h.holders[h.remote] = true
	h.engine.GrantPush(h.remote, core.ChannelWall)
	push := h.takeOne(wire.TypeManifest)
	var m wire.Manifest
	if err := push.env.DecodeBody(&m); err != nil {
		t.Fatal(err)
	}
	if m.Page != 0 || m.PostCount != 1 || m.HasMore {
		t.Errorf("grant push = %+v", m)
	}
}

func TestEngine_PeerFailureIsolated(t *testing.T) {
	h := newEngineHarness(t, 0)
	slowKeys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	slow := slowKeys.PeerID()
	h.granted[h.remote] = true
	h.granted[slow] = true

	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	if f := h.engine.Sync(slow, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	if sent := h.takeSent(); len(sent) != 2 {
		t.Fatalf("sent %d requests, want 2", len(sent))
	}

	// The healthy peer answers; the slow one never does.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		PostCount: 1,
		Items:     []core.Item{signedPost(h.remoteKeys, "p1", 1, "fine")},
	})
	if ev := h.waitFor(event.ContentFetched, h.remote); ev.Data.(FetchedData).Applied != 1 {
		t.Errorf("healthy fetch applied %d, want 1", ev.Data.(FetchedData).Applied)
	}

	// Burn through the slow peer's retries: 10s, then 20s, then 40s.
	for _, step := range []time.Duration{10, 20, 40} {
		h.clk.Advance(step * time.Second)
		h.engine.Pending().checkTimeouts()
	}
	ev := h.waitFor(event.ContentSyncError, slow)
	if data := ev.Data.(SyncErrorData); data.Reason == "" {
		t.Error("sync error carries no reason")
	}
	h.takeSent() // the slow peer's spent retries

	// The healthy peer's state is untouched by the neighbor's failure.
	if held, _ := h.store.Get(h.remote, "p1"); held == nil {
		t.Error("healthy peer's item vanished")
	}
	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	h.takeOne(wire.TypeManifestReq)
}

func TestEngine_DeletePushConfirmedByAck(t *testing.T) {
	h := newEngineHarness(t, 0)
	relayKeys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	relay := relayKeys.PeerID()
	h.relays = []core.PeerID{relay}

	it, f := h.engine.Compose(core.ChannelWall, "short-lived")
	if f != nil {
		t.Fatal(f)
	}
	if _, f := h.engine.Delete(it.ID); f != nil {
		t.Fatal(f)
	}

	push := h.takeOne(wire.TypePush)
	if push.to != relay {
		t.Fatalf("push sent to %s, want the relay", push.to.Short())
	}
	var p wire.Push
	if err := push.env.DecodeBody(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 1 || !p.Items[0].IsTombstone() || p.Items[0].ID != it.ID {
		t.Fatalf("push payload = %+v", p)
	}

	h.engine.HandleAck(&wire.Ack{AckID: push.env.ID})
	ev := h.waitFor(event.WallPostDeletedOnRelay, relay)
	if data := ev.Data.(RelayDeleteData); data.ID != it.ID {
		t.Errorf("confirmed ID = %s, want %s", data.ID, it.ID)
	}
	if n := h.engine.Pending().PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after ack, want 0", n)
	}
}

func TestEngine_UnackedPushReportsSyncError(t *testing.T) {
	h := newEngineHarness(t, 0)
	relayKeys, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	relay := relayKeys.PeerID()
	h.relays = []core.PeerID{relay}

	it, f := h.engine.Compose(core.ChannelWall, "doomed")
	if f != nil {
		t.Fatal(f)
	}
	if _, f := h.engine.Delete(it.ID); f != nil {
		t.Fatal(f)
	}
	h.takeOne(wire.TypePush)

	for _, step := range []time.Duration{10, 20, 40} {
		h.clk.Advance(step * time.Second)
		h.engine.Pending().checkTimeouts()
	}
	h.waitFor(event.ContentSyncError, relay)
	// Each spent retry resent the push.
	if sent := h.takeSent(); len(sent) != 2 {
		t.Errorf("resent %d times, want 2", len(sent))
	}
}

func TestEngine_DisconnectCancelsInFlight(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	if f := h.engine.Sync(h.remote, core.ChannelWall); f != nil {
		t.Fatal(f)
	}
	h.takeOne(wire.TypeManifestReq)

	h.engine.HandleDisconnected(h.remote)
	if n := h.engine.Pending().PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d after disconnect, want 0", n)
	}
	h.clk.Advance(5 * time.Minute)
	h.engine.Pending().checkTimeouts()
	h.expectNoEvent(event.ContentSyncError)
}

func TestEngine_UnsolicitedManifestApplies(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	// A peer that just granted us access pushes page zero unprompted.
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		PostCount: 1,
		Items:     []core.Item{signedPost(h.remoteKeys, "p1", 1, "welcome")},
	})
	if ev := h.waitFor(event.ContentFetched, h.remote); ev.Data.(FetchedData).Applied != 1 {
		t.Errorf("applied %d, want 1", ev.Data.(FetchedData).Applied)
	}
	if held, _ := h.store.Get(h.remote, "p1"); held == nil {
		t.Error("pushed page was not applied")
	}
}

func TestEngine_BadSignatureDropped(t *testing.T) {
	h := newEngineHarness(t, 0)
	h.granted[h.remote] = true

	forged := signedPost(h.remoteKeys, "p1", 1, "original")
	forged.Body = "tampered"
	h.engine.HandleManifest(h.remote, &wire.Manifest{
		Channel:   core.ChannelWall,
		PostCount: 1,
		Items:     []core.Item{forged},
	})
	h.waitFor(event.ContentFetched, h.remote)
	if held, _ := h.store.Get(h.remote, "p1"); held != nil {
		t.Error("item with a broken signature was stored")
	}
}
