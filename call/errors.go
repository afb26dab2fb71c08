package call

import "errors"

// Sentinel errors surfaced by the engine's control operations. They classify
// failures for the UI layer; transient store and transport errors are wrapped
// underneath them where relevant.
var (
	// ErrBusy means the callee already holds a live session. The outgoing
	// session is finalized with the busy reason before this is returned.
	ErrBusy = errors.New("callee is busy")

	// ErrCallInProgress means this engine already has an active call. One
	// session per participant.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoActiveCall means a mid-call control was invoked with no call up.
	ErrNoActiveCall = errors.New("no active call")

	// ErrUnknownSession means an accept or reject referenced a session the
	// engine is not ringing for.
	ErrUnknownSession = errors.New("unknown incoming session")

	// ErrEngineClosed means the engine was shut down.
	ErrEngineClosed = errors.New("engine closed")
)
