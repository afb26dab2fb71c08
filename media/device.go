// Package media abstracts local camera/microphone acquisition and serializes
// it across concurrent callers within one client process.
package media

import "errors"

// Sentinel errors for media acquisition.
var (
	// ErrDeviceInUse indicates the hardware is held by another consumer.
	// The acquisition lock retries this class of failure with backoff.
	ErrDeviceInUse = errors.New("device already in use")

	// ErrPermissionDenied indicates the user or platform refused access.
	// Never retried.
	ErrPermissionDenied = errors.New("device permission denied")

	// ErrNoDevice indicates no capture hardware is present.
	ErrNoDevice = errors.New("no capture device")

	// ErrHandleStopped indicates an operation on a released handle.
	ErrHandleStopped = errors.New("media handle stopped")
)

// Constraints describe the capture configuration a caller needs.
type Constraints struct {
	Audio bool
	Video bool

	// Video capture hints; zero means device default.
	Width     int
	Height    int
	FrameRate int
}

// Satisfies reports whether a handle acquired with c can serve a caller that
// needs want: every track the caller needs must be present. Extra tracks are
// acceptable; the quality controller disables what is not wanted.
func (c Constraints) Satisfies(want Constraints) bool {
	if want.Audio && !c.Audio {
		return false
	}
	if want.Video && !c.Video {
		return false
	}
	return true
}

// Track is one live capture track on a handle.
type Track interface {
	// Kind returns "audio" or "video".
	Kind() string
	// SetEnabled toggles the track without releasing the hardware.
	SetEnabled(enabled bool)
	// Enabled reports the current toggle state.
	Enabled() bool
	// Stop releases this track's hardware.
	Stop()
}

// Handle is an acquired set of capture tracks.
type Handle interface {
	// Constraints returns what this handle was acquired with.
	Constraints() Constraints
	// Tracks returns the live tracks.
	Tracks() []Track
	// AudioTrack returns the audio track, or nil.
	AudioTrack() Track
	// VideoTrack returns the video track, or nil.
	VideoTrack() Track
	// Stop releases all tracks. Idempotent.
	Stop()
	// Stopped reports whether the handle has been released.
	Stopped() bool
}

// Device opens capture hardware. Implementations wrap the platform capture
// layer; tests substitute fakes.
type Device interface {
	// Open acquires hardware matching the constraints.
	Open(constraints Constraints) (Handle, error)
}
