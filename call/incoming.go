package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/quality"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// IncomingCall is the notification surfaced to the UI layer for one ringing
// session, with the decision handle attached.
type IncomingCall struct {
	SessionID  string
	CallerID   string
	CallerRole signaling.Role
	Kind       signaling.CallKind

	engine *Engine
}

// Accept answers the call.
func (ic IncomingCall) Accept(ctx context.Context) error {
	return ic.engine.AcceptIncomingCall(ctx, ic.SessionID)
}

// Reject declines the call without touching any transport.
func (ic IncomingCall) Reject(ctx context.Context) error {
	return ic.engine.RejectIncomingCall(ctx, ic.SessionID)
}

// pendingIncoming tracks one ringing session awaiting the user's decision.
// Media may be pre-acquired speculatively to cut accept latency; the
// acquisition lock converges the accept path onto the same handle and
// reference-counts it, so the speculative reference can be dropped without
// touching the one the accepted call holds.
type pendingIncoming struct {
	session *signaling.CallSession
	timers  *TimerManager

	mu      sync.Mutex
	decided bool
	prewarm media.Handle
}

// discard cancels the ring deadline and releases any speculative handle. A
// prewarm still in flight is released by the prewarm goroutine when it
// resolves.
func (p *pendingIncoming) discard(e *Engine) {
	p.timers.CancelAll()

	p.mu.Lock()
	p.decided = true
	handle := p.prewarm
	p.prewarm = nil
	p.mu.Unlock()

	if handle != nil {
		e.lock.Release(handle)
	}
}

// takeover marks the decision and returns the resolved speculative handle,
// if any, so the accept path can drop its reference. Called only after the
// accept path has acquired its own reference.
func (p *pendingIncoming) takeover() media.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decided = true
	handle := p.prewarm
	p.prewarm = nil
	return handle
}

// handleInbox reacts to one change on the incoming-call inbox subscription.
func (e *Engine) handleInbox(s *signaling.CallSession) {
	if s == nil {
		return
	}

	if s.Ended() {
		// The caller gave up (or a ring timeout fired) before a decision.
		e.mu.Lock()
		p, ok := e.pending[s.ID]
		if ok {
			delete(e.pending, s.ID)
		}
		e.mu.Unlock()
		if ok {
			p.discard(e)
			e.notifyPhase(s.ID, signaling.PhaseEnded)
		}
		return
	}

	// Surface only ringing sessions that carry an offer.
	if s.Phase != signaling.PhaseInitiating && s.Phase != signaling.PhaseRinging {
		return
	}
	if s.Offer == "" {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, exists := e.pending[s.ID]; exists {
		e.mu.Unlock()
		return
	}
	if e.active != nil && e.active.id == s.ID {
		e.mu.Unlock()
		return
	}
	p := &pendingIncoming{session: s.Clone(), timers: NewTimerManager()}
	e.pending[s.ID] = p
	cb := e.incomingCb
	e.mu.Unlock()

	p.timers.Arm(TimerRing, e.config.RingTimeout, func() {
		e.expirePending(s.ID)
	})

	go e.prewarmMedia(p, constraintsFor(s.Kind))

	logrus.WithFields(logrus.Fields{
		"function":   "handleInbox",
		"session_id": s.ID,
		"caller_id":  s.InitiatorID,
		"kind":       string(s.Kind),
	}).Info("Incoming call ringing")

	if cb != nil {
		go cb(IncomingCall{
			SessionID:  s.ID,
			CallerID:   s.InitiatorID,
			CallerRole: s.InitiatorRole,
			Kind:       s.Kind,
			engine:     e,
		})
	}
}

// prewarmMedia speculatively acquires capture hardware while the decision is
// pending. If the call was decided before the acquisition resolved, the
// result is released immediately instead of reviving a dead session.
func (e *Engine) prewarmMedia(p *pendingIncoming, constraints media.Constraints) {
	handle, err := e.lock.Acquire(context.Background(), constraints)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "prewarmMedia",
			"error":    err.Error(),
		}).Debug("Speculative media acquisition failed")
		return
	}

	p.mu.Lock()
	if p.decided {
		p.mu.Unlock()
		e.lock.Release(handle)
		return
	}
	p.prewarm = handle
	p.mu.Unlock()
}

// expirePending finalizes a ringing session whose accept window lapsed.
func (e *Engine) expirePending(sessionID string) {
	e.mu.Lock()
	p, ok := e.pending[sessionID]
	if ok {
		delete(e.pending, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	p.discard(e)

	ctx, cancel := context.WithTimeout(context.Background(), e.config.ConnectTimeout)
	defer cancel()
	e.finalizeSession(ctx, sessionID, signaling.EndReasonNoAnswer)
	e.notifyPhase(sessionID, signaling.PhaseEnded)
}

// AcceptIncomingCall answers a ringing session: acquires media, applies the
// stored offer, publishes the answer and advances the record to connecting.
func (e *Engine) AcceptIncomingCall(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.active != nil {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	p, ok := e.pending[sessionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownSession
	}
	delete(e.pending, sessionID)
	e.mu.Unlock()

	p.timers.CancelAll()

	log := logrus.WithFields(logrus.Fields{
		"function":   "AcceptIncomingCall",
		"session_id": sessionID,
	})

	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		p.discard(e)
		return fmt.Errorf("load session: %w", err)
	}
	if session.Ended() {
		p.discard(e)
		return signaling.ErrSessionEnded
	}

	// Converges on the prewarmed handle when one resolved (or joins the
	// still-in-flight speculative request), holding its own reference.
	handle, err := e.lock.Acquire(ctx, constraintsFor(session.Kind))
	if err != nil {
		p.discard(e)
		e.finalizeSession(ctx, sessionID, signaling.EndReasonFailed)
		return fmt.Errorf("acquire media: %w", err)
	}

	// Drop the speculative reference now that the call holds one. A prewarm
	// still in flight releases its own reference once it resolves.
	if prewarmed := p.takeover(); prewarmed != nil {
		e.lock.Release(prewarmed)
	}

	pc, err := e.factory.NewPeerConnection()
	if err != nil {
		e.lock.Release(handle)
		e.finalizeSession(ctx, sessionID, signaling.EndReasonFailed)
		return fmt.Errorf("create transport: %w", err)
	}

	ac := newActiveCall(e, sessionID, sideResponder, session.Kind, pc, handle, signaling.PhaseRinging)

	fail := func(err error) error {
		ac.cancel()
		pc.Close()
		e.lock.Release(handle)
		e.finalizeSession(ctx, sessionID, signaling.EndReasonFailed)
		return err
	}

	if err := pc.AddMedia(handle); err != nil {
		return fail(fmt.Errorf("attach media: %w", err))
	}
	answer, err := pc.AcceptOffer(ctx, session.Offer)
	if err != nil {
		return fail(fmt.Errorf("apply offer: %w", err))
	}
	// The remote description is in place; candidates may flow.
	if err := ac.buffer.Ready(); err != nil {
		log.WithField("error", err.Error()).Warn("Flushing held candidates failed")
	}

	err = e.updateWithRetry(ctx, sessionID, signaling.Fields{
		signaling.FieldAnswer: answer,
		signaling.FieldPhase:  signaling.PhaseConnecting,
	})
	if err != nil {
		return fail(fmt.Errorf("publish answer: %w", err))
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return fail(ErrCallInProgress)
	}
	e.active = ac
	e.intent = quality.UserIntent{}
	e.mu.Unlock()

	ac.timers.Arm(TimerConnect, e.config.ConnectTimeout, func() {
		e.finalizeAsync(ac, signaling.EndReasonFailed)
	})

	if err := ac.run(); err != nil {
		e.finalizeAsync(ac, signaling.EndReasonFailed)
		return fmt.Errorf("watch session: %w", err)
	}

	// Candidates the caller appended before we subscribed.
	if err := ac.buffer.Ingest(session.InitiatorCandidates); err != nil {
		log.WithField("error", err.Error()).Warn("Applying stored candidates failed")
	}

	ac.setPhase(signaling.PhaseConnecting)
	e.quality.Attach(handle, quality.UserIntent{})
	ac.mu.Lock()
	ac.counted = true
	ac.mu.Unlock()
	metricActiveCalls.Inc()
	metricCallsStarted.WithLabelValues(string(session.Kind), "incoming").Inc()
	log.Info("Incoming call accepted")
	return nil
}

// RejectIncomingCall declines a ringing session with the declined reason.
// No transport is ever created on this path.
func (e *Engine) RejectIncomingCall(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	p, ok := e.pending[sessionID]
	if ok {
		delete(e.pending, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	p.discard(e)
	e.finalizeSession(ctx, sessionID, signaling.EndReasonDeclined)
	e.notifyPhase(sessionID, signaling.PhaseEnded)

	logrus.WithFields(logrus.Fields{
		"function":   "RejectIncomingCall",
		"session_id": sessionID,
	}).Info("Incoming call declined")
	return nil
}
