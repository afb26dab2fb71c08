package media

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice counts open calls and can be scripted to fail.
type fakeDevice struct {
	mu        sync.Mutex
	opens     int32
	failTimes int   // fail this many opens with failErr before succeeding
	failErr   error
	openDelay time.Duration
}

func (d *fakeDevice) Open(constraints Constraints) (Handle, error) {
	atomic.AddInt32(&d.opens, 1)
	if d.openDelay > 0 {
		time.Sleep(d.openDelay)
	}

	d.mu.Lock()
	shouldFail := d.failTimes > 0
	if shouldFail {
		d.failTimes--
	}
	err := d.failErr
	d.mu.Unlock()

	if shouldFail {
		return nil, err
	}

	var tracks []Track
	if constraints.Audio {
		tracks = append(tracks, NewSimpleTrack("audio", nil))
	}
	if constraints.Video {
		tracks = append(tracks, NewSimpleTrack("video", nil))
	}
	return NewCaptureHandle(constraints, tracks, nil), nil
}

func (d *fakeDevice) openCount() int32 { return atomic.LoadInt32(&d.opens) }

// TestAcquireBasic verifies a plain acquisition yields the requested tracks.
func TestAcquireBasic(t *testing.T) {
	lock := NewAcquisitionLock(&fakeDevice{})

	handle, err := lock.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.NotNil(t, handle.AudioTrack())
	require.NotNil(t, handle.VideoTrack())
	assert.True(t, handle.AudioTrack().Enabled())
}

// TestConcurrentAcquireSharesResult verifies two concurrent callers resolve
// to one underlying hardware request, not two device-busy failures.
func TestConcurrentAcquireSharesResult(t *testing.T) {
	device := &fakeDevice{openDelay: 50 * time.Millisecond}
	lock := NewAcquisitionLock(device)
	constraints := Constraints{Audio: true, Video: true}

	var wg sync.WaitGroup
	handles := make([]Handle, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = lock.Acquire(context.Background(), constraints)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, handles[0], handles[1], "concurrent callers share one handle")
	assert.Equal(t, int32(1), device.openCount(), "exactly one hardware request")
}

// TestAcquireReusesHeldHandle verifies a later caller with compatible
// constraints reuses the live handle without touching the hardware.
func TestAcquireReusesHeldHandle(t *testing.T) {
	device := &fakeDevice{}
	lock := NewAcquisitionLock(device)

	full, err := lock.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	audioOnly, err := lock.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.Same(t, full, audioOnly)
	assert.Equal(t, int32(1), device.openCount())

	// Once every acquirer has released, the handle is not reused.
	lock.Release(full)
	lock.Release(audioOnly)
	again, err := lock.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.NotSame(t, full, again)
	assert.Equal(t, int32(2), device.openCount())
}

// TestSharedHandleSurvivesSingleRelease verifies each acquirer holds its own
// reference: releasing one must not stop the handle for the others.
func TestSharedHandleSurvivesSingleRelease(t *testing.T) {
	device := &fakeDevice{openDelay: 50 * time.Millisecond}
	lock := NewAcquisitionLock(device)
	constraints := Constraints{Audio: true, Video: true}

	var wg sync.WaitGroup
	handles := make([]Handle, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], _ = lock.Acquire(context.Background(), constraints)
		}(i)
	}
	wg.Wait()
	require.Same(t, handles[0], handles[1])

	lock.Release(handles[0])
	assert.False(t, handles[1].Stopped(), "shared handle stopped with a reference outstanding")
	require.Same(t, handles[1], lock.Held())

	lock.Release(handles[1])
	assert.True(t, handles[1].Stopped())
	assert.Nil(t, lock.Held())
}

// TestAcquireRetriesDeviceInUse verifies bounded retry with backoff on the
// device-in-use failure class.
func TestAcquireRetriesDeviceInUse(t *testing.T) {
	device := &fakeDevice{failTimes: 2, failErr: ErrDeviceInUse}
	lock := NewAcquisitionLock(device)

	start := time.Now()
	handle, err := lock.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.GreaterOrEqual(t, time.Since(start), acquireBackoffBase,
		"retry should have backed off at least once")
	assert.Equal(t, int32(3), device.openCount())
}

// TestAcquirePermissionDeniedNotRetried verifies non-retryable failures
// surface immediately.
func TestAcquirePermissionDeniedNotRetried(t *testing.T) {
	device := &fakeDevice{failTimes: 1, failErr: ErrPermissionDenied}
	lock := NewAcquisitionLock(device)

	_, err := lock.Acquire(context.Background(), Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int32(1), device.openCount(), "permission denial is not retried")
}

// TestAcquireForceReleasesStaleHandle verifies the last-resort path stops a
// stale held handle and retries once more.
func TestAcquireForceReleasesStaleHandle(t *testing.T) {
	device := &fakeDevice{}
	lock := NewAcquisitionLock(device)

	// Hold a video handle, then make the device report busy for the next
	// audio-only acquisition attempts.
	stale, err := lock.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)

	device.mu.Lock()
	device.failTimes = acquireRetries
	device.failErr = ErrDeviceInUse
	device.mu.Unlock()

	handle, err := lock.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.True(t, stale.Stopped(), "stale handle force-released before final attempt")
}

// TestAcquireContextCanceled verifies a canceled caller stops waiting.
func TestAcquireContextCanceled(t *testing.T) {
	device := &fakeDevice{failTimes: acquireRetries, failErr: ErrDeviceInUse}
	lock := NewAcquisitionLock(device)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := lock.Acquire(ctx, Constraints{Audio: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
