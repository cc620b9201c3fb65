package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
)

// DefaultLaneBuffer is the queue depth of each per-peer delivery lane.
const DefaultLaneBuffer = 256

// Config holds bus options. The zero value is usable.
type Config struct {
	// LaneBuffer is the per-lane queue depth. Defaults to DefaultLaneBuffer.
	LaneBuffer int
	// Clock stamps events whose At is zero. Defaults to the system clock.
	Clock *clock.Clock
	// Logger for drop diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Bus fans events out to subscribers. Each peer gets its own FIFO lane with
// a dedicated drain goroutine, so one peer's burst never reorders another
// peer's events. Fan-out to subscribers never blocks; a slow subscriber
// loses events and its drop counter advances.
type Bus struct {
	mu     sync.RWMutex
	lanes  map[core.PeerID]*lane
	subs   map[*Subscription]struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	laneBuffer int
	clk        *clock.Clock
	logger     *slog.Logger

	dropped atomic.Uint64
}

type lane struct {
	ch chan Event
}

// NewBus creates a running bus.
func NewBus(cfg Config) *Bus {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		lanes:      make(map[core.PeerID]*lane),
		subs:       make(map[*Subscription]struct{}),
		done:       make(chan struct{}),
		laneBuffer: cfg.LaneBuffer,
		clk:        cfg.Clock,
		logger:     cfg.Logger.WithGroup("events"),
	}
}

// Publish queues ev on its peer's lane. Events with a zero Peer share the
// node-scoped lane. Publish never blocks; if a lane is saturated the event
// is counted as dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At == 0 {
		ev.At = b.clk.Unix()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	l := b.lanes[ev.Peer]
	b.mu.RUnlock()

	if l == nil {
		l = b.createLane(ev.Peer)
	}

	select {
	case l.ch <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event lane saturated, dropping", "kind", ev.Kind, "peer", ev.Peer.Short())
	}
}

func (b *Bus) createLane(peer core.PeerID) *lane {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.lanes[peer]; ok {
		return l
	}
	l := &lane{ch: make(chan Event, b.laneBuffer)}
	b.lanes[peer] = l
	if !b.closed {
		b.wg.Add(1)
		go b.drain(l)
	}
	return l
}

// drain delivers one lane's events in order until the bus closes, then
// flushes whatever is still queued.
func (b *Bus) drain(l *lane) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-l.ch:
			b.fanOut(ev)
		case <-b.done:
			for {
				select {
				case ev := <-l.ch:
					b.fanOut(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to lane saturation.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery. Queued events are flushed to subscribers, then all
// subscription channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Filter restricts what a subscription receives. The zero value receives
// everything.
type Filter struct {
	// Kinds limits delivery to the listed kinds. Empty means all kinds.
	Kinds []Kind
	// Peer limits delivery to one peer's events. Zero means all peers.
	Peer core.PeerID
}

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	ch      chan Event
	kinds   map[Kind]struct{}
	peer    core.PeerID
	anyPeer bool
	bus     *Bus
	dropped atomic.Uint64
}

// Subscribe registers a subscriber. buffer is the subscriber's channel
// depth; events that arrive while it is full are dropped for this
// subscriber only.
func (b *Bus) Subscribe(buffer int, f Filter) *Subscription {
	if buffer <= 0 {
		buffer = DefaultLaneBuffer
	}
	sub := &Subscription{
		ch:      make(chan Event, buffer),
		peer:    f.Peer,
		anyPeer: f.Peer.IsZero(),
		bus:     b,
	}
	if len(f.Kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (s *Subscription) wants(ev Event) bool {
	if !s.anyPeer && ev.Peer != s.peer {
		return false
	}
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

// Events is the subscriber's receive channel. It is closed by Close and by
// bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}
