// Package rtc defines the local peer transport used to carry call media and
// provides the pion/webrtc implementation of it.
//
// The call engine talks to this interface only; nothing above it imports
// pion types, which keeps the engine testable against in-memory fakes.
package rtc

import (
	"context"
	"errors"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// Sentinel errors for transport operations.
var (
	// ErrClosed indicates an operation on a closed peer connection.
	ErrClosed = errors.New("peer connection closed")

	// ErrBadDescription indicates a malformed or out-of-order session
	// description. Maps to the engine's negotiation failure handling.
	ErrBadDescription = errors.New("invalid session description")
)

// ConnState is the coarse transport connectivity state.
type ConnState int

const (
	// ConnStateNew is the initial state before negotiation.
	ConnStateNew ConnState = iota
	// ConnStateConnecting means ICE/DTLS are in progress.
	ConnStateConnecting
	// ConnStateConnected means media can flow.
	ConnStateConnected
	// ConnStateDisconnected means connectivity was lost but may recover.
	ConnStateDisconnected
	// ConnStateFailed means the transport gave up.
	ConnStateFailed
	// ConnStateClosed means the connection was torn down.
	ConnStateClosed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack describes one inbound media track surfaced to the UI layer.
type RemoteTrack struct {
	ID   string
	Kind string
}

// PeerConnection is one side's media transport for a single call. It is
// created per call and destroyed on termination.
type PeerConnection interface {
	// AddMedia attaches the local capture tracks for sending.
	AddMedia(handle media.Handle) error

	// CreateOffer produces and locally applies the offer description.
	CreateOffer(ctx context.Context) (string, error)

	// AcceptOffer applies the remote offer and produces and locally applies
	// the answer description.
	AcceptOffer(ctx context.Context, offer string) (string, error)

	// AcceptAnswer applies the remote answer description. Applying the same
	// answer twice must be a no-op.
	AcceptAnswer(ctx context.Context, answer string) error

	// AddRemoteCandidate feeds one remote candidate into the transport. The
	// terminal marker is delivered as the zero candidate.
	AddRemoteCandidate(c signaling.Candidate) error

	// RestartICE produces a fresh offer with new transport credentials, for
	// the post-disconnect recovery window.
	RestartICE(ctx context.Context) (string, error)

	// OnLocalCandidate registers the gathering callback. End of gathering
	// is delivered as the zero candidate.
	OnLocalCandidate(fn func(signaling.Candidate))

	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(ConnState))

	// OnRemoteTrack registers the inbound-track callback.
	OnRemoteTrack(fn func(RemoteTrack))

	// State returns the current connectivity state.
	State() ConnState

	// Close tears the transport down. Idempotent.
	Close() error
}

// Factory creates peer connections. The engine takes a factory so tests can
// substitute in-memory transports.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
