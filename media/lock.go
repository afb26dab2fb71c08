package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// acquireRetries bounds device-in-use retries before the stale-handle
	// force release is attempted.
	acquireRetries = 3

	// acquireBackoffBase is the first retry delay; each retry doubles it.
	acquireBackoffBase = 250 * time.Millisecond
)

// AcquisitionLock serializes all hardware acquisition within one client
// process.
//
// Guarantees:
//   - at most one hardware request is in flight at a time; concurrent
//     callers whose constraints are satisfied by the in-flight request share
//     its pending result instead of issuing a second request
//   - an already-held handle is reused when its constraints satisfy the
//     caller's
//   - the held handle is reference-counted across its acquirers; it is
//     stopped only when every Acquire has been matched by a Release
//   - a device-in-use failure is retried with bounded backoff, and as a last
//     resort any stale handle still held is force-released before one final
//     attempt
type AcquisitionLock struct {
	device Device

	mu       sync.Mutex
	held     Handle
	refs     int
	inflight *acquisition
}

// acquisition is one pending hardware request, shared by every caller that
// arrived while it was in flight. waiters counts the joiners so the owner can
// credit each of them a reference on completion.
type acquisition struct {
	constraints Constraints
	done        chan struct{}
	waiters     int
	handle      Handle
	err         error
}

// NewAcquisitionLock creates a lock over the given capture device.
func NewAcquisitionLock(device Device) *AcquisitionLock {
	return &AcquisitionLock{device: device}
}

// Acquire obtains a media handle satisfying the constraints. Concurrent
// callers collapse onto a single hardware request; see the type docs for the
// full contract.
func (l *AcquisitionLock) Acquire(ctx context.Context, constraints Constraints) (Handle, error) {
	for {
		l.mu.Lock()

		// Reuse a live handle whose constraints cover this caller.
		if l.held != nil && !l.held.Stopped() && l.held.Constraints().Satisfies(constraints) {
			handle := l.held
			l.refs++
			l.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Acquire",
				"audio":    constraints.Audio,
				"video":    constraints.Video,
			}).Debug("Reusing held media handle")
			return handle, nil
		}

		// Join an in-flight request that covers this caller.
		if l.inflight != nil {
			pending := l.inflight

			if !pending.constraints.Satisfies(constraints) {
				l.mu.Unlock()
				// A narrower request is in flight. Wait for it to settle,
				// then start over; the winner's handle may still be
				// reusable or the slot will be free.
				select {
				case <-pending.done:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			// Reserve this joiner's reference before waiting; the owner
			// counts it into refs when the request completes.
			pending.waiters++
			l.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Acquire",
			}).Debug("Joining in-flight media acquisition")

			select {
			case <-pending.done:
				return pending.handle, pending.err
			case <-ctx.Done():
				l.mu.Lock()
				settled := false
				select {
				case <-pending.done:
					settled = true
				default:
					pending.waiters--
				}
				l.mu.Unlock()
				if settled && pending.err == nil {
					// The reservation became a live reference; return it.
					l.Release(pending.handle)
				}
				return nil, ctx.Err()
			}
		}

		// This caller owns the hardware request.
		pending := &acquisition{constraints: constraints, done: make(chan struct{})}
		l.inflight = pending
		l.mu.Unlock()

		handle, err := l.acquireWithRetry(ctx, constraints)

		// done is closed under the mutex so a joiner giving up can tell
		// whether its waiter reservation was already counted into refs.
		l.mu.Lock()
		pending.handle = handle
		pending.err = err
		if err == nil {
			l.held = handle
			l.refs = 1 + pending.waiters
		}
		l.inflight = nil
		close(pending.done)
		l.mu.Unlock()

		return handle, err
	}
}

// acquireWithRetry opens the device, retrying device-in-use failures with
// exponential backoff and force-releasing a stale held handle before the
// final attempt.
func (l *AcquisitionLock) acquireWithRetry(ctx context.Context, constraints Constraints) (Handle, error) {
	var lastErr error
	backoff := acquireBackoffBase

	for attempt := 0; attempt < acquireRetries; attempt++ {
		handle, err := l.device.Open(constraints)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "acquireWithRetry",
				"attempt":  attempt + 1,
				"audio":    constraints.Audio,
				"video":    constraints.Video,
			}).Info("Media acquired")
			return handle, nil
		}
		if !errors.Is(err, ErrDeviceInUse) {
			return nil, err
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "acquireWithRetry",
			"attempt":  attempt + 1,
			"backoff":  backoff,
		}).Warn("Device in use, backing off before retry")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	// Last resort: whatever we still hold may be the stale owner.
	l.mu.Lock()
	stale := l.held
	l.held = nil
	l.refs = 0
	l.mu.Unlock()
	if stale != nil {
		logrus.WithFields(logrus.Fields{
			"function": "acquireWithRetry",
		}).Warn("Force-releasing stale media handle before final attempt")
		stale.Stop()
	}

	handle, err := l.device.Open(constraints)
	if err != nil {
		if errors.Is(err, ErrDeviceInUse) {
			return nil, lastErr
		}
		return nil, err
	}
	return handle, nil
}

// Release drops one reference to the given handle; the handle is stopped
// only when the last acquirer has released it. A handle the lock no longer
// tracks is stopped directly.
func (l *AcquisitionLock) Release(handle Handle) {
	if handle == nil {
		return
	}

	l.mu.Lock()
	if l.held == handle {
		l.refs--
		if l.refs > 0 {
			l.mu.Unlock()
			return
		}
		l.held = nil
		l.refs = 0
	}
	l.mu.Unlock()

	handle.Stop()
}

// Held returns the currently held handle, or nil.
func (l *AcquisitionLock) Held() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil && l.held.Stopped() {
		l.held = nil
		l.refs = 0
	}
	return l.held
}
