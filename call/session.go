package call

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/ice"
	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/rtc"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// side is which end of the session record this engine drives.
type side int

const (
	sideInitiator side = iota
	sideResponder
)

// activeCall holds the ephemeral per-call state: the transport, the local
// media handle, the candidate exchange buffer and the deadlines. It is
// created by an orchestrator and destroyed by termination; nothing in it is
// persisted.
type activeCall struct {
	engine *Engine
	id     string
	side   side
	kind   signaling.CallKind

	pc      rtc.PeerConnection
	handle  media.Handle
	buffer  *ice.ExchangeBuffer
	timers  *TimerManager
	watcher *signaling.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	phase         signaling.Phase
	remote        []rtc.RemoteTrack
	answerApplied bool
	finalized     bool
	counted       bool

	publishKick chan struct{}
	startedAt   time.Time
}

// newActiveCall wires transport callbacks into the exchange buffer and the
// state machine. The caller still has to AddMedia and negotiate before run.
func newActiveCall(e *Engine, id string, sd side, kind signaling.CallKind, pc rtc.PeerConnection, handle media.Handle, phase signaling.Phase) *activeCall {
	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeCall{
		engine:      e,
		id:          id,
		side:        sd,
		kind:        kind,
		pc:          pc,
		handle:      handle,
		timers:      NewTimerManager(),
		ctx:         ctx,
		cancel:      cancel,
		phase:       phase,
		publishKick: make(chan struct{}, 1),
		startedAt:   e.time.Now(),
	}
	ac.buffer = ice.NewExchangeBuffer(pc.AddRemoteCandidate)

	pc.OnLocalCandidate(func(c signaling.Candidate) {
		ac.buffer.AddLocal(c)
		ac.kickPublish()
	})
	pc.OnStateChange(ac.onTransportState)
	pc.OnRemoteTrack(func(t rtc.RemoteTrack) {
		ac.mu.Lock()
		ac.remote = append(ac.remote, t)
		ac.mu.Unlock()
	})

	return ac
}

// run starts the session watcher and the candidate publisher. Called once the
// session record exists.
func (ac *activeCall) run() error {
	ac.watcher = signaling.NewWatcher(ac.engine.store, signaling.Filter{SessionID: ac.id}, ac.engine.config.PollInterval)
	events, err := ac.watcher.Start(ac.ctx)
	if err != nil {
		return err
	}

	go ac.watchLoop(events)
	go ac.publishLoop()
	return nil
}

func (ac *activeCall) watchLoop(events <-chan signaling.Event) {
	for {
		select {
		case <-ac.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ac.handleSessionEvent(ev.Session)
		}
	}
}

// handleSessionEvent reacts to one observed change of the shared record.
// Duplicate deliveries are harmless: the answer is applied once, candidate
// ingestion tracks its applied index, and phase only advances.
func (ac *activeCall) handleSessionEvent(s *signaling.CallSession) {
	if s == nil || s.ID != ac.id {
		return
	}

	if s.Ended() {
		// The other side finalized; mirror it locally without writing.
		ac.engine.finalizeLocal(ac, s.EndReason)
		return
	}

	if ac.side == sideInitiator && s.Answer != "" {
		ac.applyAnswer(s.Answer)
	}

	if s.Phase == signaling.PhaseConnecting {
		ac.setPhase(signaling.PhaseConnecting)
	}

	if err := ac.buffer.Ingest(ac.remoteCandidates(s)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleSessionEvent",
			"session_id": ac.id,
			"error":      err.Error(),
		}).Warn("Remote candidate application failed")
	}
}

// applyAnswer consumes the responder's answer exactly once and opens the
// candidate path.
func (ac *activeCall) applyAnswer(answer string) {
	ac.mu.Lock()
	if ac.answerApplied {
		ac.mu.Unlock()
		return
	}
	ac.answerApplied = true
	ac.mu.Unlock()

	if err := ac.pc.AcceptAnswer(ac.ctx, answer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "applyAnswer",
			"session_id": ac.id,
			"error":      err.Error(),
		}).Error("Applying remote answer failed")
		ac.engine.finalizeAsync(ac, signaling.EndReasonFailed)
		return
	}
	if err := ac.buffer.Ready(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "applyAnswer",
			"session_id": ac.id,
			"error":      err.Error(),
		}).Warn("Flushing held candidates failed")
	}

	ac.timers.Cancel(TimerRing)
	ac.timers.Arm(TimerConnect, ac.engine.config.ConnectTimeout, func() {
		ac.engine.finalizeAsync(ac, signaling.EndReasonFailed)
	})
	ac.setPhase(signaling.PhaseConnecting)
}

// onTransportState drives the connecting/active boundary and the disconnect
// recovery window.
func (ac *activeCall) onTransportState(st rtc.ConnState) {
	logrus.WithFields(logrus.Fields{
		"function":   "onTransportState",
		"session_id": ac.id,
		"state":      st.String(),
	}).Debug("Transport state changed")

	switch st {
	case rtc.ConnStateConnected:
		ac.timers.CancelAll()
		ac.setPhase(signaling.PhaseActive)
		go ac.engine.markActive(ac)

	case rtc.ConnStateDisconnected:
		if ac.currentPhase() != signaling.PhaseActive {
			return
		}
		ac.timers.Arm(TimerRecovery, ac.engine.config.RecoveryWindow, func() {
			ac.engine.finalizeAsync(ac, signaling.EndReasonNetworkLost)
		})
		go ac.attemptRecovery()

	case rtc.ConnStateFailed:
		if ac.timers.Armed(TimerRecovery) {
			ac.engine.finalizeAsync(ac, signaling.EndReasonNetworkLost)
		} else {
			ac.engine.finalizeAsync(ac, signaling.EndReasonFailed)
		}
	}
}

// attemptRecovery kicks an ICE restart inside the recovery window. The
// restart publishes fresh candidates through the normal append path; if the
// transport does not come back before the window expires the call ends as
// network-lost.
func (ac *activeCall) attemptRecovery() {
	if _, err := ac.pc.RestartICE(ac.ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "attemptRecovery",
			"session_id": ac.id,
			"error":      err.Error(),
		}).Warn("ICE restart failed")
	}
}

func (ac *activeCall) kickPublish() {
	select {
	case ac.publishKick <- struct{}{}:
	default:
	}
}

// publishLoop appends locally gathered candidates to this side's list on the
// session record. A single writer per field; batches whatever accumulated
// since the last write.
func (ac *activeCall) publishLoop() {
	for {
		select {
		case <-ac.ctx.Done():
			return
		case <-ac.publishKick:
			batch := ac.buffer.DrainLocal()
			if len(batch) == 0 {
				continue
			}
			fields := signaling.Fields{ac.localCandidateField(): batch}
			if err := ac.engine.updateWithRetry(ac.ctx, ac.id, fields); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "publishLoop",
					"session_id": ac.id,
					"count":      len(batch),
					"error":      err.Error(),
				}).Warn("Publishing local candidates failed")
			}
		}
	}
}

func (ac *activeCall) localCandidateField() string {
	if ac.side == sideInitiator {
		return signaling.FieldInitiatorCandidates
	}
	return signaling.FieldResponderCandidates
}

func (ac *activeCall) remoteCandidates(s *signaling.CallSession) []signaling.Candidate {
	if ac.side == sideInitiator {
		return s.ResponderCandidates
	}
	return s.InitiatorCandidates
}

// setPhase advances the local phase view and notifies the phase callback.
// Regressions and repeats are ignored.
func (ac *activeCall) setPhase(p signaling.Phase) {
	ac.mu.Lock()
	if !ac.phase.Before(p) || ac.finalized {
		ac.mu.Unlock()
		return
	}
	ac.phase = p
	ac.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "setPhase",
		"session_id": ac.id,
		"phase":      string(p),
	}).Info("Call phase advanced")
	ac.engine.notifyPhase(ac.id, p)
}

func (ac *activeCall) currentPhase() signaling.Phase {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.phase
}

func (ac *activeCall) remoteTracks() []rtc.RemoteTrack {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return append([]rtc.RemoteTrack(nil), ac.remote...)
}
