package call

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTimerFiresOnce verifies an armed deadline fires its callback.
func TestTimerFiresOnce(t *testing.T) {
	tm := NewTimerManager()
	var fired int32

	tm.Arm(TimerRing, 30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestTimerCancel verifies a canceled deadline never fires.
func TestTimerCancel(t *testing.T) {
	tm := NewTimerManager()
	var fired int32

	tm.Arm(TimerConnect, 50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	tm.Cancel(TimerConnect)

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
	assert.False(t, tm.Armed(TimerConnect))
}

// TestTimerRearmReplaces verifies arming the same kind twice keeps only the
// newer deadline.
func TestTimerRearmReplaces(t *testing.T) {
	tm := NewTimerManager()
	var first, second int32

	tm.Arm(TimerRecovery, 50*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	tm.Arm(TimerRecovery, 30*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&first), "replaced deadline must not fire")
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

// TestCancelAll verifies all armed deadlines stop together.
func TestCancelAll(t *testing.T) {
	tm := NewTimerManager()
	var fired int32
	fn := func() { atomic.AddInt32(&fired, 1) }

	tm.Arm(TimerRing, 40*time.Millisecond, fn)
	tm.Arm(TimerConnect, 40*time.Millisecond, fn)
	tm.Arm(TimerRecovery, 40*time.Millisecond, fn)
	tm.CancelAll()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}
