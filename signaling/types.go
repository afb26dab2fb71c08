// Package signaling defines the shared CallSession record and the Signaling
// Store that persists it.
//
// A CallSession is the single source of truth for one call between two
// parties. Both sides mutate the same record, but every field has exactly one
// legitimate writer: the initiator owns the offer and its own candidate list,
// the responder owns the answer and its own candidate list, and only call
// termination may write the ended fields. Conflicts are avoided by
// construction rather than by locking across parties.
//
// Stores deliver change notifications over a push stream and additionally
// support a polling query so a missed push event never strands a call.
package signaling

import (
	"time"
)

// Role identifies a party within a family account.
type Role string

const (
	// RolePrimaryGuardian is the account-owning parent.
	RolePrimaryGuardian Role = "primary-guardian"
	// RoleSecondaryGuardian is an additional parent or caretaker.
	RoleSecondaryGuardian Role = "secondary-guardian"
	// RoleDependent is a child device.
	RoleDependent Role = "dependent"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RolePrimaryGuardian, RoleSecondaryGuardian, RoleDependent:
		return true
	default:
		return false
	}
}

// Phase is the coarse lifecycle stage of a call, mirrored between the local
// state machine and the persisted record.
type Phase string

const (
	// PhaseInitiating means the record exists but the offer may not yet be
	// durably written.
	PhaseInitiating Phase = "initiating"
	// PhaseRinging means the responder is being alerted.
	PhaseRinging Phase = "ringing"
	// PhaseConnecting means the answer has been produced and transports are
	// negotiating.
	PhaseConnecting Phase = "connecting"
	// PhaseActive means both transports converged to a connected state.
	PhaseActive Phase = "active"
	// PhaseEnded is terminal. A fresh session is required for any later call.
	PhaseEnded Phase = "ended"
)

// order returns the monotonic rank of a phase. Unknown phases rank lowest.
func (p Phase) order() int {
	switch p {
	case PhaseInitiating:
		return 1
	case PhaseRinging:
		return 2
	case PhaseConnecting:
		return 3
	case PhaseActive:
		return 4
	case PhaseEnded:
		return 5
	default:
		return 0
	}
}

// Before reports whether p is strictly earlier in the lifecycle than other.
func (p Phase) Before(other Phase) bool {
	return p.order() < other.order()
}

// Terminal reports whether the phase is ended.
func (p Phase) Terminal() bool {
	return p == PhaseEnded
}

// EndReason records why a call terminated.
type EndReason string

const (
	// EndReasonHangup is a normal user-initiated teardown.
	EndReasonHangup EndReason = "hangup"
	// EndReasonDeclined means the responder rejected without answering.
	EndReasonDeclined EndReason = "declined"
	// EndReasonBusy means the callee already held a live session.
	EndReasonBusy EndReason = "busy"
	// EndReasonNoAnswer means the ring window expired.
	EndReasonNoAnswer EndReason = "no_answer"
	// EndReasonFailed covers negotiation or signaling failures.
	EndReasonFailed EndReason = "failed"
	// EndReasonNetworkLost means the recovery window after a transport
	// disconnect expired without reconnecting.
	EndReasonNetworkLost EndReason = "network_lost"
)

// CallKind distinguishes audio-only from audio+video calls.
type CallKind string

const (
	// KindAudio is a voice-only call.
	KindAudio CallKind = "audio"
	// KindVideo is an audio+video call.
	KindVideo CallKind = "video"
)

// Candidate is one network-reachability descriptor discovered by ICE
// gathering. The payload is the serialized candidate produced by the local
// transport layer and is opaque to the store.
//
// An empty Payload is the end-of-gathering marker: the producing side appends
// it exactly once after its final real candidate.
type Candidate struct {
	Payload       string `json:"payload"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Terminal reports whether this is the end-of-gathering marker.
func (c Candidate) Terminal() bool {
	return c.Payload == ""
}

// CallSession is the shared mutable signaling record for a single call.
type CallSession struct {
	ID string `json:"id"`

	InitiatorRole     Role   `json:"initiatorRole"`
	ResponderRole     Role   `json:"responderRole"`
	InitiatorID       string `json:"initiatorId"`
	ResponderID       string `json:"responderId"`
	RecipientRoleHint Role   `json:"recipientRoleHint,omitempty"`

	Kind  CallKind `json:"kind"`
	Phase Phase    `json:"phase"`

	// Offer and Answer are opaque session descriptions. Offer is written
	// exactly once by the initiator, Answer exactly once by the responder.
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`

	// Candidate lists are append-only and owned exclusively by their
	// producing side.
	InitiatorCandidates []Candidate `json:"initiatorCandidates,omitempty"`
	ResponderCandidates []Candidate `json:"responderCandidates,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	EndedAt   time.Time `json:"endedAt,omitempty"`
	EndedBy   Role      `json:"endedBy,omitempty"`
	EndReason EndReason `json:"endReason,omitempty"`
}

// Live reports whether the session still occupies its callee: a non-ended
// record in connecting or active phase.
func (s *CallSession) Live() bool {
	return s.Phase == PhaseConnecting || s.Phase == PhaseActive
}

// Ended reports whether the session reached the terminal phase.
func (s *CallSession) Ended() bool {
	return s.Phase == PhaseEnded
}

// Clone returns a deep copy so callers can hold a snapshot without racing
// store-internal mutation.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.InitiatorCandidates = append([]Candidate(nil), s.InitiatorCandidates...)
	out.ResponderCandidates = append([]Candidate(nil), s.ResponderCandidates...)
	return &out
}
