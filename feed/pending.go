package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/core/clock"
)

const (
	// DefaultRequestTimeout is the wait for a response to the first
	// attempt. Each retry doubles it.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of retry attempts after the initial
	// send (total attempts = 1 + MaxRetries).
	DefaultMaxRetries = 3

	// checkInterval is the resolution of the timeout check loop.
	checkInterval = time.Second
)

// PendingRequest is an outbound request awaiting its response.
type PendingRequest struct {
	// OnResolve is called when the response arrives. May be nil.
	OnResolve func()

	// OnExhausted is called when all retry attempts are spent. May be nil.
	OnExhausted func()

	// Resend is called for each retry attempt. If it returns an error the
	// retry is counted and the error logged. May be nil (no retries).
	Resend func() error

	sentAt  time.Time
	timeout time.Duration
	retries int
}

// TrackerConfig configures a request Tracker.
type TrackerConfig struct {
	// Timeout is the first-attempt response wait. Default:
	// DefaultRequestTimeout.
	Timeout time.Duration

	// MaxRetries is the number of retries after the initial send. Default:
	// DefaultMaxRetries.
	MaxRetries int

	// Clock drives timeout decisions. Defaults to the system clock.
	Clock *clock.Clock

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending requests by key and drives retries with doubling
// backoff.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	clk     *clock.Clock
	mu      sync.Mutex
	pending map[string]*PendingRequest
	cancel  context.CancelFunc
}

// NewTracker creates a request tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("pending"),
		clk:     cfg.Clock,
		pending: make(map[string]*PendingRequest),
	}
}

// Track registers a pending request. An existing entry under the same key
// is replaced without firing its callbacks.
func (t *Tracker) Track(key string, pending PendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending.sentAt = t.clk.Now()
	pending.timeout = t.cfg.Timeout
	pending.retries = 0
	t.pending[key] = &pending
}

// Resolve marks a response as received. Returns true if the key was
// pending; its OnResolve callback fires and the entry is removed.
func (t *Tracker) Resolve(key string) bool {
	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if ok && p.OnResolve != nil {
		p.OnResolve()
	}
	return ok
}

// Cancel removes a pending request without firing any callbacks.
func (t *Tracker) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
}

// CancelMatching removes every pending request whose key the predicate
// accepts, without firing callbacks.
func (t *Tracker) CancelMatching(match func(key string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.pending {
		if match(key) {
			delete(t.pending, key)
		}
	}
}

// PendingCount returns the number of pending requests.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start begins the timeout check loop. Blocks until the context is
// cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop cancels the timeout check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// checkTimeouts retries or exhausts every pending request past its current
// backoff window.
func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.clk.Now()

	retryEntries := make(map[string]*PendingRequest)
	exhaustedEntries := make(map[string]*PendingRequest)

	for key, p := range t.pending {
		if now.Sub(p.sentAt) < p.timeout {
			continue
		}
		if p.retries < t.cfg.MaxRetries && p.Resend != nil {
			p.retries++
			p.sentAt = now
			p.timeout *= 2
			retryEntries[key] = p
		} else {
			exhaustedEntries[key] = p
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	for key, p := range retryEntries {
		if err := p.Resend(); err != nil {
			t.log.Warn("retry failed", "key", key, "attempt", p.retries, "error", err)
		} else {
			t.log.Debug("retrying", "key", key, "attempt", p.retries)
		}
	}

	for key, p := range exhaustedEntries {
		t.log.Debug("request exhausted", "key", key, "retries", p.retries)
		if p.OnExhausted != nil {
			p.OnExhausted()
		}
	}
}
