package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
	"github.com/rookery-im/rookery-go/transport"
)

// mockTransport records broadcast envelopes for testing.
type mockTransport struct {
	mu        sync.Mutex
	envelopes []*wire.Envelope
	connected bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{connected: true}
}

func (m *mockTransport) Start(_ context.Context) error                { return nil }
func (m *mockTransport) Stop() error                                  { return nil }
func (m *mockTransport) Method() transport.Method                     { return transport.MethodRelayed }
func (m *mockTransport) IsConnected() bool                            { return m.connected }
func (m *mockTransport) CanReach(core.PeerID) bool                    { return m.connected }
func (m *mockTransport) SendTo(core.PeerID, *wire.Envelope) error     { return nil }
func (m *mockTransport) SetEnvelopeHandler(transport.EnvelopeHandler) {}
func (m *mockTransport) SetStateHandler(transport.StateHandler)       {}

func (m *mockTransport) Broadcast(env *wire.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, env)
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envelopes)
}

func (m *mockTransport) lastEnvelope() *wire.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.envelopes) == 0 {
		return nil
	}
	return m.envelopes[len(m.envelopes)-1]
}

func generateKeys(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return kp
}

func makeAnnouncer(t *testing.T, cfg Config) (*Announcer, *clock.Clock) {
	t.Helper()
	if cfg.Keys == nil {
		cfg.Keys = generateKeys(t)
	}
	clk := clock.NewManual(time.Unix(10000, 0))
	cfg.Clock = clk
	return New(cfg), clk
}

func TestBuildAnnounce(t *testing.T) {
	a, _ := makeAnnouncer(t, Config{
		Profile: Profile{DisplayName: "magpie", Kind: "user"},
		Addrs:   []string{"203.0.113.9:7700"},
	})

	env, err := a.BuildAnnounce()
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}
	if env.Type != wire.TypeAnnounce {
		t.Errorf("Type = %q, want %q", env.Type, wire.TypeAnnounce)
	}
	if !env.Verify() {
		t.Error("announce signature should verify")
	}

	var ann wire.Announce
	if err := env.DecodeBody(&ann); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if ann.DisplayName != "magpie" || ann.Kind != "user" {
		t.Errorf("profile = %+v", ann)
	}
	if len(ann.Addresses) != 1 || ann.Addresses[0] != "203.0.113.9:7700" {
		t.Errorf("Addresses = %v", ann.Addresses)
	}
}

func TestSendNow(t *testing.T) {
	a, _ := makeAnnouncer(t, Config{})
	up := newMockTransport()
	down := newMockTransport()
	down.connected = false
	a.AddTransport(up)
	a.AddTransport(down)

	if err := a.SendNow(); err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if up.sentCount() != 1 {
		t.Errorf("connected transport got %d broadcasts, want 1", up.sentCount())
	}
	if down.sentCount() != 0 {
		t.Errorf("disconnected transport got %d broadcasts, want 0", down.sentCount())
	}
}

func TestPeriodicAnnounce(t *testing.T) {
	a, clk := makeAnnouncer(t, Config{AnnounceInterval: time.Minute})
	mt := newMockTransport()
	a.AddTransport(mt)

	if err := a.SendNow(); err != nil {
		t.Fatalf("SendNow: %v", err)
	}

	// Inside the interval: quiet.
	clk.Advance(30 * time.Second)
	a.checkTimers()
	if mt.sentCount() != 1 {
		t.Fatalf("sent %d announces, want 1", mt.sentCount())
	}

	// Past it: one more goes out and the timer resets.
	clk.Advance(31 * time.Second)
	a.checkTimers()
	if mt.sentCount() != 2 {
		t.Fatalf("sent %d announces, want 2", mt.sentCount())
	}
	if env := mt.lastEnvelope(); env.SentAt != clk.Unix() {
		t.Errorf("SentAt = %d, want %d", env.SentAt, clk.Unix())
	}
}

func TestHandleAnnounce_ReplayGuard(t *testing.T) {
	a, _ := makeAnnouncer(t, Config{})
	peerKeys := generateKeys(t)

	build := func(sentAt int64) *wire.Envelope {
		env, err := wire.Seal(peerKeys, wire.TypeAnnounce, core.PeerID{}, sentAt, &wire.Announce{DisplayName: "crow"})
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		return env
	}

	if _, ok := a.HandleAnnounce(build(100)); !ok {
		t.Fatal("first announce should be fresh")
	}
	if _, ok := a.HandleAnnounce(build(90)); ok {
		t.Error("older announce should be dropped")
	}
	if _, ok := a.HandleAnnounce(build(100)); ok {
		t.Error("equal-stamp replay should be dropped")
	}
	ann, ok := a.HandleAnnounce(build(101))
	if !ok {
		t.Fatal("newer announce should be fresh")
	}
	if ann.DisplayName != "crow" {
		t.Errorf("DisplayName = %q", ann.DisplayName)
	}
	if !a.Alive(peerKeys.PeerID()) {
		t.Error("announcing peer should be alive")
	}
}

func TestHandleAnnounce_IgnoresSelf(t *testing.T) {
	keys := generateKeys(t)
	a, _ := makeAnnouncer(t, Config{Keys: keys})

	env, err := wire.Seal(keys, wire.TypeAnnounce, core.PeerID{}, 100, &wire.Announce{})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, ok := a.HandleAnnounce(env); ok {
		t.Error("own announce echoed back should be dropped")
	}
}

func TestExpiry(t *testing.T) {
	bus := event.NewBus(event.Config{})
	defer bus.Close()
	sub := bus.Subscribe(16, event.Filter{Kinds: []event.Kind{event.PeerExpired}})

	a, clk := makeAnnouncer(t, Config{PeerTTL: time.Minute, Bus: bus})
	var expired []core.PeerID
	var mu sync.Mutex
	a.SetOnExpired(func(p core.PeerID) {
		mu.Lock()
		expired = append(expired, p)
		mu.Unlock()
	})

	peerKeys := generateKeys(t)
	env, _ := wire.Seal(peerKeys, wire.TypeAnnounce, core.PeerID{}, 100, &wire.Announce{})
	a.HandleAnnounce(env)

	// Fresh traffic keeps the peer alive across the TTL boundary.
	clk.Advance(50 * time.Second)
	a.Touch(peerKeys.PeerID())
	clk.Advance(50 * time.Second)
	a.checkExpiry()
	if !a.Alive(peerKeys.PeerID()) {
		t.Fatal("touched peer should still be alive")
	}

	clk.Advance(2 * time.Minute)
	a.checkExpiry()

	if a.Alive(peerKeys.PeerID()) {
		t.Error("silent peer should have expired")
	}
	mu.Lock()
	if len(expired) != 1 || expired[0] != peerKeys.PeerID() {
		t.Errorf("onExpired calls = %v", expired)
	}
	mu.Unlock()

	select {
	case ev := <-sub.Events():
		if ev.Kind != event.PeerExpired || ev.Peer != peerKeys.PeerID() {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer_expired event")
	}

	// Expiry keeps the replay stamp: a stale retained copy cannot revive
	// the peer, while a genuinely newer announce brings it back.
	env2, _ := wire.Seal(peerKeys, wire.TypeAnnounce, core.PeerID{}, 50, &wire.Announce{})
	if _, ok := a.HandleAnnounce(env2); ok {
		t.Error("stale announce after expiry should be dropped")
	}
	env3, _ := wire.Seal(peerKeys, wire.TypeAnnounce, core.PeerID{}, 200, &wire.Announce{})
	if _, ok := a.HandleAnnounce(env3); !ok {
		t.Error("newer announce after expiry should be accepted")
	}
	if !a.Alive(peerKeys.PeerID()) {
		t.Error("re-announcing peer should be alive again")
	}
}

func TestStartStop(t *testing.T) {
	a, _ := makeAnnouncer(t, Config{})
	mt := newMockTransport()
	a.AddTransport(mt)

	done := make(chan struct{})
	go func() {
		a.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mt.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Start should announce immediately")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("announcer did not stop within timeout")
	}
}
