package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/wire"
)

// fakeDialer succeeds for configured addresses and registers the link with
// the tracker the way a real transport's peer event wiring would.
type fakeDialer struct {
	tracker *Tracker
	good    map[string]bool

	mu    sync.Mutex
	dials []string
}

func (d *fakeDialer) Dial(ctx context.Context, peer core.PeerID, addr string) error {
	d.mu.Lock()
	d.dials = append(d.dials, addr)
	ok := d.good[addr]
	d.mu.Unlock()
	if !ok {
		return errors.New("dial " + addr + ": connection refused")
	}
	d.tracker.HandleConnected(peer, MethodDirect, addr)
	return nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

type fakeRelay struct{ up bool }

func (r *fakeRelay) Start(ctx context.Context) error          { return nil }
func (r *fakeRelay) Stop() error                              { return nil }
func (r *fakeRelay) Method() Method                           { return MethodRelayed }
func (r *fakeRelay) IsConnected() bool                        { return r.up }
func (r *fakeRelay) CanReach(core.PeerID) bool                { return r.up }
func (r *fakeRelay) SendTo(core.PeerID, *wire.Envelope) error { return nil }
func (r *fakeRelay) Broadcast(*wire.Envelope) error           { return nil }
func (r *fakeRelay) SetEnvelopeHandler(EnvelopeHandler)       {}
func (r *fakeRelay) SetStateHandler(StateHandler)             {}

var _ Transport = (*fakeRelay)(nil)

func TestConnector_DirectDialInOrder(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker, good: map[string]bool{"10.0.0.5:7701": true}}
	c := NewConnector(ConnectorConfig{Tracker: h.tracker, Direct: dialer})

	h.tracker.HandleDiscovered(peer, SourceRelay, []string{"10.0.0.5:7700", "10.0.0.5:7701"})

	if f := c.Connect(context.Background(), peer); f != nil {
		t.Fatalf("Connect: %v", f)
	}

	got := dialer.dialed()
	if len(got) != 2 || got[0] != "10.0.0.5:7700" || got[1] != "10.0.0.5:7701" {
		t.Errorf("dials = %v, want announced order", got)
	}
	link, _ := h.tracker.Link(peer)
	if link.State != StateConnected || link.Method != MethodDirect {
		t.Errorf("link = %s/%s, want connected/direct", link.State, link.Method)
	}
}

func TestConnector_AlreadyConnected(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker}
	c := NewConnector(ConnectorConfig{Tracker: h.tracker, Direct: dialer})

	h.tracker.HandleConnected(peer, MethodDirect, "10.0.0.5:7700")

	if f := c.Connect(context.Background(), peer); f != nil {
		t.Fatalf("Connect on a live link: %v", f)
	}
	if len(dialer.dialed()) != 0 {
		t.Errorf("Connect on a live link dialed %v", dialer.dialed())
	}
}

func TestConnector_PunchEscalation(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	punched := "203.0.113.9:40112"
	dialer := &fakeDialer{tracker: h.tracker, good: map[string]bool{punched: true}}

	var c *Connector
	sendPunch := func(p core.PeerID, nonce string) error {
		if p != peer {
			t.Errorf("punch sent to %s, want %s", p.Short(), peer.Short())
		}
		go c.ResolvePunch(nonce, []string{punched})
		return nil
	}
	c = NewConnector(ConnectorConfig{
		Tracker:   h.tracker,
		Direct:    dialer,
		Relay:     &fakeRelay{up: true},
		SendPunch: sendPunch,
	})

	// Announced address is refused; the punched one works.
	h.tracker.HandleDiscovered(peer, SourceRelay, []string{"192.168.1.20:7700"})

	if f := c.Connect(context.Background(), peer); f != nil {
		t.Fatalf("Connect: %v", f)
	}

	link, _ := h.tracker.Link(peer)
	if link.Method != MethodHolePunched {
		t.Errorf("Method = %q, want %q", link.Method, MethodHolePunched)
	}
	if link.Addr != punched {
		t.Errorf("Addr = %q, want %q", link.Addr, punched)
	}
}

func TestConnector_RelayFallback(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker}
	c := NewConnector(ConnectorConfig{
		Tracker: h.tracker,
		Direct:  dialer,
		Relay:   &fakeRelay{up: true},
	})

	// Peer heard via the relay but with no working direct address and no
	// punch path configured.
	h.tracker.HandleDiscovered(peer, SourceRelay, []string{"192.168.1.20:7700"})

	if f := c.Connect(context.Background(), peer); f != nil {
		t.Fatalf("Connect: %v", f)
	}

	link, _ := h.tracker.Link(peer)
	if link.State != StateConnected || link.Method != MethodRelayed {
		t.Errorf("link = %s/%s, want connected/relayed", link.State, link.Method)
	}
}

func TestConnector_PunchTimeoutFallsBackToRelay(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker}
	c := NewConnector(ConnectorConfig{
		Tracker:      h.tracker,
		Direct:       dialer,
		Relay:        &fakeRelay{up: true},
		SendPunch:    func(core.PeerID, string) error { return nil }, // ack never arrives
		PunchTimeout: 30 * time.Millisecond,
	})

	h.tracker.HandleDiscovered(peer, SourceRelay, nil)

	if f := c.Connect(context.Background(), peer); f != nil {
		t.Fatalf("Connect: %v", f)
	}
	link, _ := h.tracker.Link(peer)
	if link.Method != MethodRelayed {
		t.Errorf("Method = %q, want %q after punch timeout", link.Method, MethodRelayed)
	}
}

func TestConnector_NoPath(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker}
	c := NewConnector(ConnectorConfig{
		Tracker: h.tracker,
		Direct:  dialer,
		Relay:   &fakeRelay{up: false},
	})

	h.tracker.HandleDiscovered(peer, SourceDirect, []string{"192.168.1.20:7700"})

	f := c.Connect(context.Background(), peer)
	if f == nil {
		t.Fatal("Connect with no path should fail")
	}
	if f.Code != fault.CodeNetworkUnreachable {
		t.Errorf("Code = %q, want %q", f.Code, fault.CodeNetworkUnreachable)
	}

	link, _ := h.tracker.Link(peer)
	if link.State != StateDisconnected {
		t.Errorf("State = %q, want %q", link.State, StateDisconnected)
	}
	if link.Failures != 1 {
		t.Errorf("Failures = %d, want 1", link.Failures)
	}
}

func TestConnector_ResolveUnknownNonce(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	c := NewConnector(ConnectorConfig{Tracker: h.tracker})
	// A late or replayed ack must be dropped silently.
	if c.ResolvePunch("no-such-nonce", []string{"203.0.113.9:40112"}) {
		t.Error("ResolvePunch matched a nonce that was never issued")
	}
}

func TestConnector_HandlePunchRequestDialsBack(t *testing.T) {
	h := newTrackerHarness(t, TrackerConfig{})
	peer := testPeer(1)
	dialer := &fakeDialer{tracker: h.tracker, good: map[string]bool{"203.0.113.7:7700": true}}
	c := NewConnector(ConnectorConfig{Tracker: h.tracker, Direct: dialer})

	c.HandlePunchRequest(context.Background(), peer, []string{"192.168.1.20:7700", "203.0.113.7:7700"})

	got := dialer.dialed()
	if len(got) != 2 {
		t.Fatalf("dials = %v, want both requester addresses tried", got)
	}
	link, _ := h.tracker.Link(peer)
	if link.State != StateConnected {
		t.Errorf("State = %q, want %q after dial-back", link.State, StateConnected)
	}
}
