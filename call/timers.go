package call

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimerKind names one of the three call deadlines.
type TimerKind int

const (
	// TimerRing is the accept window armed at ringing.
	TimerRing TimerKind = iota
	// TimerConnect is the negotiation deadline armed at accept.
	TimerConnect
	// TimerRecovery is the reconnect window armed at transport disconnect.
	TimerRecovery
)

// String returns the timer name.
func (k TimerKind) String() string {
	switch k {
	case TimerRing:
		return "ring"
	case TimerConnect:
		return "connect"
	case TimerRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// TimerManager owns the cancelable deadlines of one call. Arming a kind that
// is already armed replaces it. All three are canceled together whenever the
// call reaches active or ended.
type TimerManager struct {
	mu     sync.Mutex
	timers map[TimerKind]*time.Timer
}

// NewTimerManager creates an empty manager.
func NewTimerManager() *TimerManager {
	return &TimerManager{timers: make(map[TimerKind]*time.Timer)}
}

// Arm schedules fn after d, replacing any existing deadline of this kind.
func (tm *TimerManager) Arm(kind TimerKind, d time.Duration, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if old, ok := tm.timers[kind]; ok {
		old.Stop()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Arm",
		"timer":    kind.String(),
		"deadline": d,
	}).Debug("Call timer armed")
	tm.timers[kind] = time.AfterFunc(d, fn)
}

// Cancel stops one deadline if armed.
func (tm *TimerManager) Cancel(kind TimerKind) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if t, ok := tm.timers[kind]; ok {
		t.Stop()
		delete(tm.timers, kind)
	}
}

// Armed reports whether a deadline of this kind is pending.
func (tm *TimerManager) Armed(kind TimerKind) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[kind]
	return ok
}

// CancelAll stops every armed deadline.
func (tm *TimerManager) CancelAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for kind, t := range tm.timers {
		t.Stop()
		delete(tm.timers, kind)
	}
}
