package signaling

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations. These enable reliable classification
// with errors.Is across the memory, redis and websocket backends.
var (
	// ErrNotFound indicates no session exists with the given id.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists indicates a session with the given id was already created.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrFieldOwnership indicates a writer attempted to mutate a field it
	// does not own, or to rewrite a write-once field.
	ErrFieldOwnership = errors.New("field ownership violation")

	// ErrPhaseRegression indicates an update tried to move the phase backward.
	ErrPhaseRegression = errors.New("phase may only advance")

	// ErrSessionEnded indicates an update targeted a session that already
	// reached the terminal phase.
	ErrSessionEnded = errors.New("session already ended")

	// ErrStoreClosed indicates the store has been shut down.
	ErrStoreClosed = errors.New("store closed")
)

// Field names for partial updates. The store rejects updates containing
// fields outside this set.
const (
	FieldPhase               = "phase"
	FieldOffer               = "offer"
	FieldAnswer              = "answer"
	FieldInitiatorCandidates = "initiatorCandidates"
	FieldResponderCandidates = "responderCandidates"
	FieldEndedAt             = "endedAt"
	FieldEndedBy             = "endedBy"
	FieldEndReason           = "endReason"
)

// Fields is a field-level partial update. Only the named fields are written;
// everything else on the record is left untouched, so concurrent writers that
// own disjoint fields never clobber each other.
//
// Candidate fields append rather than replace: the value is the slice of new
// candidates to add to the owning side's list.
type Fields map[string]interface{}

// EventSource distinguishes how a change notification reached the watcher.
type EventSource int

const (
	// SourcePush means the event arrived over the store's subscribe stream.
	SourcePush EventSource = iota
	// SourcePoll means the event was recovered by the ListChanged fallback.
	SourcePoll
)

// Event is one observed change of a CallSession. Session is a snapshot taken
// at notification time; consumers must dedupe by comparing the field values
// present, never by event identity, because the same logical change can be
// delivered by both push and poll.
type Event struct {
	Session *CallSession
	Source  EventSource
}

// Filter selects which sessions a subscription observes. Zero values match
// everything, so a Filter{SessionID: id} watches a single call and a
// Filter{ResponderID: id, ResponderRole: role} is the incoming-call inbox.
type Filter struct {
	SessionID     string
	ResponderID   string
	ResponderRole Role
	InitiatorID   string
}

// Matches reports whether the session satisfies the filter.
func (f Filter) Matches(s *CallSession) bool {
	if s == nil {
		return false
	}
	if f.SessionID != "" && s.ID != f.SessionID {
		return false
	}
	if f.ResponderID != "" && s.ResponderID != f.ResponderID {
		return false
	}
	if f.ResponderRole != "" && s.ResponderRole != f.ResponderRole {
		return false
	}
	if f.InitiatorID != "" && s.InitiatorID != f.InitiatorID {
		return false
	}
	return true
}

// Store persists CallSession records and notifies subscribers of changes.
//
// Implementations must enforce the record invariants: offer and answer are
// write-once, candidate lists are append-only, phase only advances, and the
// ended fields are written exactly once. All methods are safe for concurrent
// use.
type Store interface {
	// Create persists a new session record. Fails with ErrAlreadyExists if
	// the id is taken.
	Create(ctx context.Context, session *CallSession) error

	// Update applies a field-level partial update. Fields the caller does
	// not name are never touched.
	Update(ctx context.Context, id string, fields Fields) error

	// Get returns a snapshot of the session.
	Get(ctx context.Context, id string) (*CallSession, error)

	// Subscribe returns a stream of change events for sessions matching the
	// filter, plus a cancel function. The channel is closed on cancel or
	// store shutdown.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)

	// ListChanged returns snapshots of all sessions updated at or after
	// since. This is the polling fallback for missed push events.
	ListChanged(ctx context.Context, since time.Time) ([]*CallSession, error)

	// ListByParticipant returns non-ended sessions in which the given party
	// is either side. Used by the busy detector and restart recovery.
	ListByParticipant(ctx context.Context, partyID string) ([]*CallSession, error)
}

// applyFields merges a partial update into a session snapshot, enforcing the
// shared-record invariants. It mutates s in place and returns the first
// violation encountered. Shared by the memory store and the relay hub.
func applyFields(s *CallSession, fields Fields, now time.Time) error {
	if s.Ended() {
		// The only legal update to an ended session is an exact no-op
		// replay, which callers dedupe before reaching the store.
		return ErrSessionEnded
	}

	for name, value := range fields {
		switch name {
		case FieldPhase:
			next, ok := toPhase(value)
			if !ok {
				return ErrFieldOwnership
			}
			if next.Before(s.Phase) {
				return ErrPhaseRegression
			}
			s.Phase = next

		case FieldOffer:
			offer, ok := value.(string)
			if !ok || offer == "" {
				return ErrFieldOwnership
			}
			if s.Offer != "" && s.Offer != offer {
				return ErrFieldOwnership
			}
			s.Offer = offer

		case FieldAnswer:
			answer, ok := value.(string)
			if !ok || answer == "" {
				return ErrFieldOwnership
			}
			if s.Answer != "" && s.Answer != answer {
				return ErrFieldOwnership
			}
			s.Answer = answer

		case FieldInitiatorCandidates:
			add, ok := toCandidates(value)
			if !ok {
				return ErrFieldOwnership
			}
			s.InitiatorCandidates = append(s.InitiatorCandidates, add...)

		case FieldResponderCandidates:
			add, ok := toCandidates(value)
			if !ok {
				return ErrFieldOwnership
			}
			s.ResponderCandidates = append(s.ResponderCandidates, add...)

		case FieldEndedAt:
			at, ok := value.(time.Time)
			if !ok {
				return ErrFieldOwnership
			}
			if !s.EndedAt.IsZero() {
				return ErrFieldOwnership
			}
			s.EndedAt = at

		case FieldEndedBy:
			by, ok := toRole(value)
			if !ok {
				return ErrFieldOwnership
			}
			if s.EndedBy != "" {
				return ErrFieldOwnership
			}
			s.EndedBy = by

		case FieldEndReason:
			reason, ok := toEndReason(value)
			if !ok {
				return ErrFieldOwnership
			}
			if s.EndReason != "" {
				return ErrFieldOwnership
			}
			s.EndReason = reason

		default:
			return ErrFieldOwnership
		}
	}

	s.UpdatedAt = now
	return nil
}

func toPhase(v interface{}) (Phase, bool) {
	switch p := v.(type) {
	case Phase:
		return p, p.order() > 0
	case string:
		ph := Phase(p)
		return ph, ph.order() > 0
	default:
		return "", false
	}
}

func toRole(v interface{}) (Role, bool) {
	switch r := v.(type) {
	case Role:
		return r, r.Valid()
	case string:
		role := Role(r)
		return role, role.Valid()
	default:
		return "", false
	}
}

func toEndReason(v interface{}) (EndReason, bool) {
	switch r := v.(type) {
	case EndReason:
		return r, r != ""
	case string:
		return EndReason(r), r != ""
	default:
		return "", false
	}
}

func toCandidates(v interface{}) ([]Candidate, bool) {
	switch c := v.(type) {
	case []Candidate:
		return c, true
	case Candidate:
		return []Candidate{c}, true
	default:
		return nil, false
	}
}

// EndFields builds the write-once termination update.
func EndFields(by Role, reason EndReason, at time.Time) Fields {
	return Fields{
		FieldPhase:     PhaseEnded,
		FieldEndedAt:   at,
		FieldEndedBy:   by,
		FieldEndReason: reason,
	}
}
