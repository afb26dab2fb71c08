package call

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/quality"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// EndCall hangs up the active call. Idempotent: a second invocation, or a
// call with nothing active, is a no-op.
func (e *Engine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	ac := e.active
	e.mu.Unlock()
	if ac == nil {
		return nil
	}
	return e.finalize(ctx, ac, signaling.EndReasonHangup, true)
}

// finalizeAsync runs termination off the calling goroutine; used by timer
// and transport callbacks.
func (e *Engine) finalizeAsync(ac *activeCall, reason signaling.EndReason) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.finalize(ctx, ac, reason, true)
	}()
}

// finalizeLocal tears the call down without writing the record; used when
// the other side already finalized it.
func (e *Engine) finalizeLocal(ac *activeCall, reason signaling.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.finalize(ctx, ac, reason, false)
}

// finalize is the single idempotent teardown path. It stops the deadlines,
// writes the ended fields exactly once, closes the transport, releases local
// media and clears the engine's active slot. Safe from any state, including
// before negotiation ever started.
func (e *Engine) finalize(ctx context.Context, ac *activeCall, reason signaling.EndReason, writeStore bool) error {
	ac.mu.Lock()
	if ac.finalized {
		ac.mu.Unlock()
		return nil
	}
	ac.finalized = true
	ac.phase = signaling.PhaseEnded
	counted := ac.counted
	ac.mu.Unlock()

	ac.timers.CancelAll()

	var storeErr error
	if writeStore {
		err := e.updateWithRetry(ctx, ac.id, signaling.EndFields(e.localRole, reason, e.time.Now()))
		switch {
		case err == nil:
		case errors.Is(err, signaling.ErrSessionEnded):
			// The other side finalized first; the record already carries
			// its reason.
		default:
			storeErr = err
			logrus.WithFields(logrus.Fields{
				"function":   "finalize",
				"session_id": ac.id,
				"error":      err.Error(),
			}).Error("Writing ended fields failed")
		}
	}

	if ac.watcher != nil {
		ac.watcher.Stop()
	}
	ac.cancel()
	ac.pc.Close()
	e.quality.Detach()
	e.lock.Release(ac.handle)

	e.mu.Lock()
	if e.active == ac {
		e.active = nil
		e.intent = quality.UserIntent{}
	}
	e.mu.Unlock()

	if counted {
		metricActiveCalls.Dec()
	}
	metricCallsEnded.WithLabelValues(string(reason)).Inc()

	logrus.WithFields(logrus.Fields{
		"function":   "finalize",
		"session_id": ac.id,
		"reason":     string(reason),
		"duration":   e.time.Now().Sub(ac.startedAt),
	}).Info("Call finalized")

	e.notifyPhase(ac.id, signaling.PhaseEnded)
	return storeErr
}

// finalizeSession writes the ended fields for a session that never had an
// active transport on this side (reject, ring expiry, accept failure).
func (e *Engine) finalizeSession(ctx context.Context, sessionID string, reason signaling.EndReason) {
	err := e.updateWithRetry(ctx, sessionID, signaling.EndFields(e.localRole, reason, e.time.Now()))
	if err != nil && !errors.Is(err, signaling.ErrSessionEnded) {
		logrus.WithFields(logrus.Fields{
			"function":   "finalizeSession",
			"session_id": sessionID,
			"reason":     string(reason),
			"error":      err.Error(),
		}).Warn("Finalizing session record failed")
		return
	}
	metricCallsEnded.WithLabelValues(string(reason)).Inc()
}
