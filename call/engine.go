// Package call implements the signaling and session orchestration engine for
// two-party family video calls.
//
// The engine is the central authority for one participant: it owns the
// active call's state machine, drives the outgoing and incoming
// orchestrators against the shared signaling store, serializes local
// camera/microphone acquisition, enforces the busy policy, arms the
// ring/connect/recovery deadlines and finalizes sessions idempotently.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/quality"
	"github.com/jjwprotozoa/kidscallhome-sub003/rtc"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// Snapshot is the read-only observable state exposed to the UI layer.
// The zero Snapshot means idle: no call in any phase.
type Snapshot struct {
	SessionID    string
	Phase        signaling.Phase
	Kind         signaling.CallKind
	Quality      quality.Profile
	LocalMedia   media.Handle
	RemoteTracks []rtc.RemoteTrack
	Muted        bool
	CameraOff    bool
}

// Engine orchestrates calls for one local participant.
type Engine struct {
	store   signaling.Store
	factory rtc.Factory
	lock    *media.AcquisitionLock
	quality *quality.Controller
	busy    *BusyDetector
	config  *Config
	time    signaling.TimeProvider

	localID   string
	localRole signaling.Role

	mu         sync.Mutex
	active     *activeCall
	intent     quality.UserIntent
	pending    map[string]*pendingIncoming
	incomingCb func(IncomingCall)
	phaseCb    func(sessionID string, phase signaling.Phase)
	inbox      *signaling.Watcher
	started    bool
	closed     bool
}

// NewEngine creates an engine for the given participant. The device is the
// platform capture layer; the factory creates per-call transports.
func NewEngine(store signaling.Store, factory rtc.Factory, device media.Device, localID string, localRole signaling.Role, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		store:     store,
		factory:   factory,
		lock:      media.NewAcquisitionLock(device),
		quality:   quality.NewController(nil),
		busy:      NewBusyDetector(store, config.BusyStaleness),
		config:    config,
		time:      signaling.DefaultTimeProvider{},
		localID:   localID,
		localRole: localRole,
		pending:   make(map[string]*pendingIncoming),
	}
}

// SetTimeProvider replaces the clock for testing.
func (e *Engine) SetTimeProvider(tp signaling.TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.time = tp
	e.busy.SetTimeProvider(tp)
}

// SetIncomingCallCallback registers the notification surface for new
// incoming sessions. Must be set before Start.
func (e *Engine) SetIncomingCallCallback(fn func(IncomingCall)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incomingCb = fn
}

// SetPhaseCallback registers the observer for local phase transitions.
func (e *Engine) SetPhaseCallback(fn func(sessionID string, phase signaling.Phase)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phaseCb = fn
}

// Quality returns the adaptive quality controller, for wiring sensor feeds.
func (e *Engine) Quality() *quality.Controller { return e.quality }

// SubmitNetworkSample forwards one network measurement to the controller.
func (e *Engine) SubmitNetworkSample(s quality.NetworkSample) {
	e.quality.SubmitNetworkSample(s)
}

// SubmitBatterySample forwards one battery measurement to the controller.
func (e *Engine) SubmitBatterySample(s quality.BatterySample) {
	e.quality.SubmitBatterySample(s)
}

// Start subscribes the engine to its incoming-call inbox. Must be called
// once before calls can be received; outgoing calls work without it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	inbox := signaling.NewWatcher(e.store, signaling.Filter{
		ResponderID:   e.localID,
		ResponderRole: e.localRole,
	}, e.config.PollInterval)
	e.inbox = inbox
	e.mu.Unlock()

	events, err := inbox.Start(ctx)
	if err != nil {
		return err
	}

	go func() {
		for ev := range events {
			e.handleInbox(ev.Session)
		}
	}()

	if err := e.recoverOwnedSessions(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Restart recovery sweep failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"party_id": e.localID,
		"role":     string(e.localRole),
	}).Info("Call engine started")
	return nil
}

// recoverOwnedSessions sweeps sessions a previous process left behind. A
// session this party initiated or had answered cannot resume: the offer and
// answer are write-once and the transport state died with the process. It is
// finalized as network-lost so the other side unblocks immediately instead
// of waiting out the staleness bound. A session still ringing for this party
// as responder is handed to the incoming path under the same session id.
func (e *Engine) recoverOwnedSessions(ctx context.Context) error {
	sessions, err := e.store.ListByParticipant(ctx, e.localID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	activeID := ""
	if e.active != nil {
		activeID = e.active.id
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if s.ID == activeID {
			continue
		}
		if s.ResponderID == e.localID &&
			(s.Phase == signaling.PhaseInitiating || s.Phase == signaling.PhaseRinging) {
			e.handleInbox(s)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":   "recoverOwnedSessions",
			"session_id": s.ID,
			"phase":      string(s.Phase),
		}).Info("Finalizing session orphaned by a previous process")
		e.finalizeSession(ctx, s.ID, signaling.EndReasonNetworkLost)
		e.notifyPhase(s.ID, signaling.PhaseEnded)
	}
	return nil
}

// Close shuts the engine down, finalizing any active call with the hangup
// reason and discarding pending incoming notifications.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	inbox := e.inbox
	pending := e.pending
	e.pending = make(map[string]*pendingIncoming)
	e.mu.Unlock()

	if inbox != nil {
		inbox.Stop()
	}
	for _, p := range pending {
		p.discard(e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.EndCall(ctx)
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	ac := e.active
	intent := e.intent
	e.mu.Unlock()

	if ac == nil {
		return Snapshot{}
	}
	return Snapshot{
		SessionID:    ac.id,
		Phase:        ac.currentPhase(),
		Kind:         ac.kind,
		Quality:      e.quality.Current(),
		LocalMedia:   ac.handle,
		RemoteTracks: ac.remoteTracks(),
		Muted:        intent.MuteAudio,
		CameraOff:    intent.DisableVideo,
	}
}

// ToggleMute flips the microphone and returns the new muted state. The
// user's choice is recorded so the quality controller never unmutes.
func (e *Engine) ToggleMute() (bool, error) {
	e.mu.Lock()
	ac := e.active
	if ac == nil {
		e.mu.Unlock()
		return false, ErrNoActiveCall
	}
	e.intent.MuteAudio = !e.intent.MuteAudio
	intent := e.intent
	e.mu.Unlock()

	if track := ac.handle.AudioTrack(); track != nil {
		track.SetEnabled(!intent.MuteAudio)
	}
	e.quality.SetUserIntent(intent)
	return intent.MuteAudio, nil
}

// ToggleCamera flips the camera and returns the new camera-off state.
func (e *Engine) ToggleCamera() (bool, error) {
	e.mu.Lock()
	ac := e.active
	if ac == nil {
		e.mu.Unlock()
		return false, ErrNoActiveCall
	}
	e.intent.DisableVideo = !e.intent.DisableVideo
	intent := e.intent
	e.mu.Unlock()

	if track := ac.handle.VideoTrack(); track != nil {
		track.SetEnabled(!intent.DisableVideo)
	}
	e.quality.SetUserIntent(intent)
	return intent.DisableVideo, nil
}

// notifyPhase invokes the registered phase callback.
func (e *Engine) notifyPhase(sessionID string, phase signaling.Phase) {
	e.mu.Lock()
	fn := e.phaseCb
	e.mu.Unlock()
	if fn != nil {
		fn(sessionID, phase)
	}
}

// markActive records the transport reaching connected on the shared record.
// Losing the phase race to the other side or to termination is benign.
func (e *Engine) markActive(ac *activeCall) {
	err := e.updateWithRetry(ac.ctx, ac.id, signaling.Fields{
		signaling.FieldPhase: signaling.PhaseActive,
	})
	if err != nil && !errors.Is(err, signaling.ErrSessionEnded) && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function":   "markActive",
			"session_id": ac.id,
			"error":      err.Error(),
		}).Warn("Recording active phase failed")
	}
}

// updateWithRetry writes a partial update, retrying transient failures with
// exponential backoff. Invariant violations and terminal-session errors are
// never retried.
func (e *Engine) updateWithRetry(ctx context.Context, id string, fields signaling.Fields) error {
	var lastErr error
	backoff := e.config.StoreRetryBackoff

	for attempt := 0; attempt <= e.config.StoreRetries; attempt++ {
		err := e.store.Update(ctx, id, fields)
		if err == nil {
			return nil
		}
		if errors.Is(err, signaling.ErrSessionEnded) ||
			errors.Is(err, signaling.ErrFieldOwnership) ||
			errors.Is(err, signaling.ErrPhaseRegression) ||
			errors.Is(err, signaling.ErrNotFound) {
			return err
		}
		lastErr = err
		if attempt == e.config.StoreRetries {
			break
		}

		metricStoreRetries.Inc()
		logrus.WithFields(logrus.Fields{
			"function":   "updateWithRetry",
			"session_id": id,
			"attempt":    attempt + 1,
			"error":      err.Error(),
		}).Warn("Signaling write failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return lastErr
}

// constraintsFor maps a call kind to capture constraints.
func constraintsFor(kind signaling.CallKind) media.Constraints {
	return media.Constraints{
		Audio: true,
		Video: kind == signaling.KindVideo,
	}
}
