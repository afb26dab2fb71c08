package media

import "sync"

// CaptureHandle is the standard Handle implementation used by device
// adapters. It owns a fixed set of tracks created at open time.
type CaptureHandle struct {
	constraints Constraints

	mu      sync.Mutex
	tracks  []Track
	stopped bool
	onStop  func()
}

// NewCaptureHandle builds a handle over the given tracks. onStop, if
// non-nil, runs once when the handle is stopped so the device adapter can
// release platform resources.
func NewCaptureHandle(constraints Constraints, tracks []Track, onStop func()) *CaptureHandle {
	return &CaptureHandle{
		constraints: constraints,
		tracks:      tracks,
		onStop:      onStop,
	}
}

// Constraints returns what this handle was acquired with.
func (h *CaptureHandle) Constraints() Constraints { return h.constraints }

// Tracks returns the live tracks.
func (h *CaptureHandle) Tracks() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Track(nil), h.tracks...)
}

// AudioTrack returns the audio track, or nil.
func (h *CaptureHandle) AudioTrack() Track { return h.trackOfKind("audio") }

// VideoTrack returns the video track, or nil.
func (h *CaptureHandle) VideoTrack() Track { return h.trackOfKind("video") }

func (h *CaptureHandle) trackOfKind(kind string) Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop releases all tracks. Idempotent: a second stop never double-releases,
// so termination can always call it unconditionally.
func (h *CaptureHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	tracks := h.tracks
	onStop := h.onStop
	h.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if onStop != nil {
		onStop()
	}
}

// Stopped reports whether the handle has been released.
func (h *CaptureHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// SimpleTrack is a Track with in-memory toggle state. Device adapters wire
// stop into the platform layer via the stop callback.
type SimpleTrack struct {
	kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    func()
}

// NewSimpleTrack creates an enabled track of the given kind.
func NewSimpleTrack(kind string, stop func()) *SimpleTrack {
	return &SimpleTrack{kind: kind, enabled: true, stop: stop}
}

// Kind returns "audio" or "video".
func (t *SimpleTrack) Kind() string { return t.kind }

// SetEnabled toggles the track without releasing the hardware.
func (t *SimpleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.enabled = enabled
}

// Enabled reports the current toggle state.
func (t *SimpleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// Stop releases the track. Idempotent.
func (t *SimpleTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}
