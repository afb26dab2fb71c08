package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/quality"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// StartOutgoingCall places a call to the given party. It checks the busy
// policy, acquires local media, creates the session record, writes the offer
// and starts ringing. Returns the new session id.
//
// A busy callee yields ErrBusy with a session already finalized as busy; no
// transport is ever created for it. A media failure yields the media error
// with no session created at all.
func (e *Engine) StartOutgoingCall(ctx context.Context, calleeID string, calleeRole signaling.Role, kind signaling.CallKind) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	if e.active != nil {
		e.mu.Unlock()
		return "", ErrCallInProgress
	}
	e.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"function":  "StartOutgoingCall",
		"caller_id": e.localID,
		"callee_id": calleeID,
		"kind":      string(kind),
	})

	busy, err := e.busy.Busy(ctx, calleeID)
	if err != nil {
		return "", fmt.Errorf("busy check: %w", err)
	}
	if busy {
		id, err := e.recordBusyRejection(ctx, calleeID, calleeRole, kind)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Recording busy rejection failed")
		}
		metricBusyRejections.Inc()
		log.Info("Callee busy, call rejected")
		return id, ErrBusy
	}

	handle, err := e.lock.Acquire(ctx, constraintsFor(kind))
	if err != nil {
		return "", fmt.Errorf("acquire media: %w", err)
	}

	pc, err := e.factory.NewPeerConnection()
	if err != nil {
		e.lock.Release(handle)
		return "", fmt.Errorf("create transport: %w", err)
	}

	id := uuid.NewString()
	ac := newActiveCall(e, id, sideInitiator, kind, pc, handle, signaling.PhaseInitiating)

	fail := func(err error) (string, error) {
		ac.cancel()
		pc.Close()
		e.lock.Release(handle)
		return "", err
	}

	if err := pc.AddMedia(handle); err != nil {
		return fail(fmt.Errorf("attach media: %w", err))
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}

	now := e.time.Now()
	session := &signaling.CallSession{
		ID:            id,
		InitiatorRole: e.localRole,
		ResponderRole: calleeRole,
		InitiatorID:   e.localID,
		ResponderID:   calleeID,
		Kind:          kind,
		Phase:         signaling.PhaseInitiating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, session); err != nil {
		return fail(fmt.Errorf("create session: %w", err))
	}

	// The record is durable; ring and publish the offer in one write.
	err = e.updateWithRetry(ctx, id, signaling.Fields{
		signaling.FieldPhase: signaling.PhaseRinging,
		signaling.FieldOffer: offer,
	})
	if err != nil {
		e.finalize(ctx, ac, signaling.EndReasonFailed, true)
		return "", fmt.Errorf("publish offer: %w", err)
	}

	e.mu.Lock()
	if e.closed || e.active != nil {
		e.mu.Unlock()
		e.finalize(ctx, ac, signaling.EndReasonFailed, true)
		return "", ErrCallInProgress
	}
	e.active = ac
	e.intent = quality.UserIntent{}
	e.mu.Unlock()

	ac.timers.Arm(TimerRing, e.config.RingTimeout, func() {
		e.finalizeAsync(ac, signaling.EndReasonNoAnswer)
	})

	if err := ac.run(); err != nil {
		e.finalizeAsync(ac, signaling.EndReasonFailed)
		return "", fmt.Errorf("watch session: %w", err)
	}

	ac.setPhase(signaling.PhaseRinging)
	e.quality.Attach(handle, quality.UserIntent{})
	ac.mu.Lock()
	ac.counted = true
	ac.mu.Unlock()
	metricActiveCalls.Inc()
	metricCallsStarted.WithLabelValues(string(kind), "outgoing").Inc()
	log.WithField("session_id", id).Info("Outgoing call ringing")
	return id, nil
}

// recordBusyRejection persists an already-finalized session so the rejection
// is observable, without ever ringing the callee or touching a transport.
func (e *Engine) recordBusyRejection(ctx context.Context, calleeID string, calleeRole signaling.Role, kind signaling.CallKind) (string, error) {
	now := e.time.Now()
	session := &signaling.CallSession{
		ID:            uuid.NewString(),
		InitiatorRole: e.localRole,
		ResponderRole: calleeRole,
		InitiatorID:   e.localID,
		ResponderID:   calleeID,
		Kind:          kind,
		Phase:         signaling.PhaseEnded,
		CreatedAt:     now,
		UpdatedAt:     now,
		EndedAt:       now,
		EndedBy:       e.localRole,
		EndReason:     signaling.EndReasonBusy,
	}
	if err := e.store.Create(ctx, session); err != nil {
		return "", err
	}
	metricCallsEnded.WithLabelValues(string(signaling.EndReasonBusy)).Inc()
	e.notifyPhase(session.ID, signaling.PhaseEnded)
	return session.ID, nil
}
