// Package signal correlates call-signaling exchanges. The relay never
// interprets session descriptors or candidates; it owns the call session
// table, enforces who may signal what, and forwards opaque payloads between
// the parties and the local client.
package signal

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/clock"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/core/identity"
	"github.com/rookery-im/rookery-go/core/wire"
	"github.com/rookery-im/rookery-go/event"
)

const (
	// DefaultRingTimeout ends a call that was never answered.
	DefaultRingTimeout = 45 * time.Second

	// endedRetention keeps finished sessions queryable before pruning.
	endedRetention = 10 * time.Minute

	// checkInterval is the resolution of the ring-timeout sweep.
	checkInterval = time.Second
)

// State is a call session's lifecycle position.
type State string

const (
	// StateRinging is the caller side of an unanswered call.
	StateRinging State = "ringing"
	// StateIncoming is the callee side of an unanswered call.
	StateIncoming State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// HangupReason classifies why a session ended.
type HangupReason string

const (
	ReasonNormal   HangupReason = "normal"
	ReasonBusy     HangupReason = "busy"
	ReasonDeclined HangupReason = "declined"
	ReasonError    HangupReason = "error"
)

// Session is one call between this node and a peer.
type Session struct {
	CallID      string
	Caller      core.PeerID
	Callee      core.PeerID
	State       State
	Reason      HangupReason
	CreatedAt   int64
	ConnectedAt int64
	EndedAt     int64

	ringStarted time.Time
	callerStamp int64
	calleeStamp int64
}

// Live reports whether the session still accepts signaling.
func (s *Session) Live() bool { return s.State != StateEnded }

// Clone returns a detached copy.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// peer returns the counterparty relative to self.
func (s *Session) peer(self core.PeerID) core.PeerID {
	if s.Caller == self {
		return s.Callee
	}
	return s.Caller
}

func (s *Session) hasParty(p core.PeerID) bool {
	return s.Caller == p || s.Callee == p
}

// stampOK enforces per-sender monotonic timestamps and records the new
// stamp when it passes. The two parties' clocks are guarded independently.
func (s *Session) stampOK(from core.PeerID, sentAt int64) bool {
	if from == s.Caller {
		if sentAt < s.callerStamp {
			return false
		}
		s.callerStamp = sentAt
		return true
	}
	if sentAt < s.calleeStamp {
		return false
	}
	s.calleeStamp = sentAt
	return true
}

// pairKey indexes active sessions by the unordered peer pair.
type pairKey struct{ lo, hi core.PeerID }

func pairOf(a, b core.PeerID) pairKey {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

// RingData is the call_ringing event payload.
type RingData struct {
	CallID string `json:"call_id"`
}

// IncomingData is the call_incoming event payload. Payload carries the
// caller's sealed session descriptor.
type IncomingData struct {
	CallID  string `json:"call_id"`
	Payload []byte `json:"payload,omitempty"`
}

// AcceptData is the call_connected event payload. Payload carries the
// callee's sealed answer descriptor on the caller side.
type AcceptData struct {
	CallID  string `json:"call_id"`
	Payload []byte `json:"payload,omitempty"`
}

// CandidateData is the call_candidate event payload.
type CandidateData struct {
	CallID  string `json:"call_id"`
	Payload []byte `json:"payload,omitempty"`
}

// EndData is the call_ended event payload.
type EndData struct {
	CallID string       `json:"call_id"`
	Reason HangupReason `json:"reason"`
}

// Config configures a Relay. Keys and Send are required.
type Config struct {
	// Keys signs outbound signaling envelopes.
	Keys *identity.KeyPair

	// Send delivers a signaling envelope to a peer. Called without relay
	// locks held.
	Send func(peer core.PeerID, env *wire.Envelope) error

	// Known reports whether peer is an unblocked contact. Signals from
	// anyone else are dropped. Nil means everyone is known.
	Known func(peer core.PeerID) bool

	// WeHave reports whether this node holds cap granted by peer. Gates
	// outbound offers. Nil means always allowed.
	WeHave func(peer core.PeerID, cap core.Capability) bool

	// PeerHas reports whether peer holds cap granted by this node.
	// Inbound offers from peers without the call capability are declined.
	// Nil means always allowed.
	PeerHas func(peer core.PeerID, cap core.Capability) bool

	// RingTimeout ends unanswered calls. Defaults to DefaultRingTimeout.
	RingTimeout time.Duration

	Clock  *clock.Clock
	Bus    *event.Bus
	Logger *slog.Logger
}

// Relay owns the call session table. At most one live session exists per
// peer pair; a second offer while one is live is answered busy without
// touching the existing call.
type Relay struct {
	cfg  Config
	self core.PeerID
	log  *slog.Logger
	clk  *clock.Clock

	mu     sync.Mutex
	calls  map[string]*Session
	pairs  map[pairKey]string
	cancel context.CancelFunc
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:   cfg,
		self:  cfg.Keys.PeerID(),
		log:   logger.WithGroup("signal"),
		clk:   cfg.Clock,
		calls: make(map[string]*Session),
		pairs: make(map[pairKey]string),
	}
}

// Offer starts an outbound call to callee. Payload is the sealed session
// descriptor forwarded opaquely.
func (r *Relay) Offer(callee core.PeerID, payload []byte) (*Session, *fault.Fault) {
	if callee == r.self {
		return nil, fault.New(fault.CodeValidation, "cannot call yourself")
	}
	if r.cfg.Known != nil && !r.cfg.Known(callee) {
		return nil, fault.New(fault.CodeUnauthorized, "%s is not a contact", callee.Short())
	}
	if r.cfg.WeHave != nil && !r.cfg.WeHave(callee, core.CapabilityCall) {
		return nil, fault.New(fault.CodePermissionDenied, "no call grant from %s", callee.Short())
	}

	r.mu.Lock()
	pair := pairOf(r.self, callee)
	if id, ok := r.pairs[pair]; ok {
		r.mu.Unlock()
		return nil, fault.New(fault.CodeAlreadyExists, "call %s with %s already active", id, callee.Short())
	}
	s := &Session{
		CallID:      uuid.NewString(),
		Caller:      r.self,
		Callee:      callee,
		State:       StateRinging,
		CreatedAt:   r.clk.Unix(),
		ringStarted: r.clk.Now(),
		callerStamp: r.clk.Unix(),
	}
	r.calls[s.CallID] = s
	r.pairs[pair] = s.CallID
	clone := s.Clone()
	r.mu.Unlock()

	r.sendStep(callee, s.CallID, wire.SignalOffer, payload)
	r.publish(event.CallRinging, callee, RingData{CallID: s.CallID})
	r.log.Info("call offered", "peer", callee.Short(), "call", s.CallID)
	return clone, nil
}

// Answer accepts an incoming call. Payload is the sealed answer descriptor.
func (r *Relay) Answer(callID string, payload []byte) (*Session, *fault.Fault) {
	r.mu.Lock()
	s, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return nil, fault.New(fault.CodeNotFound, "no call %s", callID)
	}
	if s.State != StateIncoming {
		state := s.State
		r.mu.Unlock()
		return nil, fault.New(fault.CodeValidation, "call %s is %s, not incoming", callID, state)
	}
	s.State = StateConnected
	s.ConnectedAt = r.clk.Unix()
	caller := s.Caller
	clone := s.Clone()
	r.mu.Unlock()

	r.sendStep(caller, callID, wire.SignalAnswer, payload)
	r.publish(event.CallConnected, caller, AcceptData{CallID: callID})
	r.log.Info("call answered", "peer", caller.Short(), "call", callID)
	return clone, nil
}

// Hangup ends a call. Declining an unanswered incoming call reports
// declined; anything else reports normal. Hanging up an unknown or already
// ended call is a no-op, never an error.
func (r *Relay) Hangup(callID string) *fault.Fault {
	r.mu.Lock()
	s, ok := r.calls[callID]
	if !ok || !s.Live() {
		r.mu.Unlock()
		return nil
	}
	step := wire.SignalHangup
	reason := ReasonNormal
	if s.State == StateIncoming {
		step = wire.SignalDecline
		reason = ReasonDeclined
	}
	peer := s.peer(r.self)
	r.endLocked(s, reason)
	r.mu.Unlock()

	r.sendStep(peer, callID, step, nil)
	r.publish(event.CallEnded, peer, EndData{CallID: callID, Reason: reason})
	r.log.Info("call ended locally", "peer", peer.Short(), "call", callID, "reason", reason)
	return nil
}

// Candidate forwards a sealed transport candidate for a live call.
func (r *Relay) Candidate(callID string, payload []byte) *fault.Fault {
	r.mu.Lock()
	s, ok := r.calls[callID]
	if !ok || !s.Live() {
		r.mu.Unlock()
		return fault.New(fault.CodeNotFound, "no live call %s", callID)
	}
	peer := s.peer(r.self)
	r.mu.Unlock()

	r.sendStep(peer, callID, wire.SignalCandidate, payload)
	return nil
}

// HandleSignal applies one verified inbound signaling step. Steps from
// unknown senders, for unknown or ended calls, from non-parties, or with
// regressing timestamps are dropped, never applied.
func (r *Relay) HandleSignal(env *wire.Envelope, sig *wire.Signal) {
	from := env.From
	if r.cfg.Known != nil && !r.cfg.Known(from) {
		r.log.Debug("dropping signal from unknown peer", "peer", from.Short(), "step", sig.Step)
		return
	}

	switch sig.Step {
	case wire.SignalOffer:
		r.handleOffer(from, env, sig)
	case wire.SignalAnswer:
		r.handleAnswer(from, env, sig)
	case wire.SignalCandidate:
		r.handleCandidate(from, env, sig)
	case wire.SignalBusy:
		r.handleRemoteEnd(from, env, sig, ReasonBusy)
	case wire.SignalDecline:
		r.handleRemoteEnd(from, env, sig, ReasonDeclined)
	case wire.SignalHangup:
		r.handleRemoteEnd(from, env, sig, ReasonNormal)
	default:
		r.log.Debug("dropping unknown signal step", "peer", from.Short(), "step", sig.Step)
	}
}

func (r *Relay) handleOffer(from core.PeerID, env *wire.Envelope, sig *wire.Signal) {
	if r.cfg.PeerHas != nil && !r.cfg.PeerHas(from, core.CapabilityCall) {
		r.log.Info("declining call from peer without call grant", "peer", from.Short())
		r.sendStep(from, sig.CallID, wire.SignalDecline, nil)
		return
	}

	r.mu.Lock()
	if _, ok := r.calls[sig.CallID]; ok {
		// Duplicate offer for a session we already track.
		r.mu.Unlock()
		return
	}
	if _, ok := r.pairs[pairOf(r.self, from)]; ok {
		r.mu.Unlock()
		r.log.Info("rejecting second offer while a call is active", "peer", from.Short(), "call", sig.CallID)
		r.sendStep(from, sig.CallID, wire.SignalBusy, nil)
		return
	}
	s := &Session{
		CallID:      sig.CallID,
		Caller:      from,
		Callee:      r.self,
		State:       StateIncoming,
		CreatedAt:   r.clk.Unix(),
		ringStarted: r.clk.Now(),
		callerStamp: env.SentAt,
	}
	r.calls[s.CallID] = s
	r.pairs[pairOf(r.self, from)] = s.CallID
	r.mu.Unlock()

	r.publish(event.CallIncoming, from, IncomingData{CallID: sig.CallID, Payload: sig.Payload})
	r.log.Info("incoming call", "peer", from.Short(), "call", sig.CallID)
}

func (r *Relay) handleAnswer(from core.PeerID, env *wire.Envelope, sig *wire.Signal) {
	r.mu.Lock()
	s, ok := r.calls[sig.CallID]
	if !ok || s.State != StateRinging || s.Callee != from || !s.stampOK(from, env.SentAt) {
		r.mu.Unlock()
		r.log.Debug("dropping answer", "peer", from.Short(), "call", sig.CallID)
		return
	}
	s.State = StateConnected
	s.ConnectedAt = r.clk.Unix()
	r.mu.Unlock()

	r.publish(event.CallConnected, from, AcceptData{CallID: sig.CallID, Payload: sig.Payload})
	r.log.Info("call connected", "peer", from.Short(), "call", sig.CallID)
}

func (r *Relay) handleCandidate(from core.PeerID, env *wire.Envelope, sig *wire.Signal) {
	r.mu.Lock()
	s, ok := r.calls[sig.CallID]
	if !ok || !s.Live() || !s.hasParty(from) || !s.stampOK(from, env.SentAt) {
		r.mu.Unlock()
		r.log.Debug("dropping candidate", "peer", from.Short(), "call", sig.CallID)
		return
	}
	r.mu.Unlock()

	r.publish(event.CallCandidate, from, CandidateData{CallID: sig.CallID, Payload: sig.Payload})
}

func (r *Relay) handleRemoteEnd(from core.PeerID, env *wire.Envelope, sig *wire.Signal, reason HangupReason) {
	r.mu.Lock()
	s, ok := r.calls[sig.CallID]
	if !ok || !s.Live() || !s.hasParty(from) || !s.stampOK(from, env.SentAt) {
		r.mu.Unlock()
		r.log.Debug("dropping hangup", "peer", from.Short(), "call", sig.CallID, "reason", reason)
		return
	}
	r.endLocked(s, reason)
	r.mu.Unlock()

	r.publish(event.CallEnded, from, EndData{CallID: sig.CallID, Reason: reason})
	r.log.Info("call ended by peer", "peer", from.Short(), "call", sig.CallID, "reason", reason)
}

// Session returns a copy of the session for callID, nil if unknown.
func (r *Relay) Session(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[callID]
	if !ok {
		return nil
	}
	return s.Clone()
}

// Active returns copies of the live sessions, oldest first.
func (r *Relay) Active() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.calls))
	for _, s := range r.calls {
		if s.Live() {
			out = append(out, s.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// Start runs the ring-timeout sweep. Blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTimeouts()
		}
	}
}

// Stop cancels the ring-timeout sweep.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// checkTimeouts ends calls that rang past the timeout and prunes ended
// sessions past retention.
func (r *Relay) checkTimeouts() {
	now := r.clk.Now()

	type timedOut struct {
		callID string
		peer   core.PeerID
	}
	var expired []timedOut

	r.mu.Lock()
	for id, s := range r.calls {
		switch {
		case s.State == StateRinging || s.State == StateIncoming:
			if now.Sub(s.ringStarted) > r.cfg.RingTimeout {
				r.endLocked(s, ReasonError)
				expired = append(expired, timedOut{callID: id, peer: s.peer(r.self)})
			}
		case s.State == StateEnded:
			if now.Unix()-s.EndedAt > int64(endedRetention/time.Second) {
				delete(r.calls, id)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.sendStep(e.peer, e.callID, wire.SignalHangup, nil)
		r.publish(event.CallEnded, e.peer, EndData{CallID: e.callID, Reason: ReasonError})
		r.log.Info("call timed out", "peer", e.peer.Short(), "call", e.callID)
	}
}

// endLocked finishes a session and frees its pair slot. Caller holds r.mu.
func (r *Relay) endLocked(s *Session, reason HangupReason) {
	s.State = StateEnded
	s.Reason = reason
	s.EndedAt = r.clk.Unix()
	delete(r.pairs, pairOf(s.Caller, s.Callee))
}

func (r *Relay) sendStep(peer core.PeerID, callID string, step wire.SignalStep, payload []byte) {
	env, err := wire.Seal(r.cfg.Keys, wire.TypeSignal, peer, r.clk.Unix(), &wire.Signal{
		CallID:  callID,
		Step:    step,
		Payload: payload,
	})
	if err != nil {
		r.log.Warn("sealing signal failed", "peer", peer.Short(), "step", step, "error", err)
		return
	}
	if err := r.cfg.Send(peer, env); err != nil {
		r.log.Debug("signal send failed", "peer", peer.Short(), "step", step, "error", err)
	}
}

func (r *Relay) publish(kind event.Kind, peer core.PeerID, data any) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(event.Event{Kind: kind, Peer: peer, Data: data})
}
