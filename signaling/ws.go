package signaling

import (
	"fmt"
	"time"
)

// Websocket relay wire protocol. One JSON frame per message, client-initiated
// requests correlated by ReqID, server-initiated change events with Op
// "event". The relay exposes the same Store contract as the other backends so
// a client process cannot tell which backend it is talking to.

// Frame operations.
const (
	OpCreate            = "create"
	OpUpdate            = "update"
	OpGet               = "get"
	OpSubscribe         = "subscribe"
	OpUnsubscribe       = "unsubscribe"
	OpListChanged       = "listChanged"
	OpListByParticipant = "listByParticipant"
	OpResult            = "result"
	OpEvent             = "event"
)

// WireFields is the JSON-safe form of a partial update. Pointer fields
// distinguish absent from zero; candidate slices are the values to append.
type WireFields struct {
	Phase               *Phase      `json:"phase,omitempty"`
	Offer               *string     `json:"offer,omitempty"`
	Answer              *string     `json:"answer,omitempty"`
	InitiatorCandidates []Candidate `json:"initiatorCandidates,omitempty"`
	ResponderCandidates []Candidate `json:"responderCandidates,omitempty"`
	EndedAt             *time.Time  `json:"endedAt,omitempty"`
	EndedBy             *Role       `json:"endedBy,omitempty"`
	EndReason           *EndReason  `json:"endReason,omitempty"`
}

// ToFields converts the wire form back into a store update.
func (w WireFields) ToFields() Fields {
	fields := Fields{}
	if w.Phase != nil {
		fields[FieldPhase] = *w.Phase
	}
	if w.Offer != nil {
		fields[FieldOffer] = *w.Offer
	}
	if w.Answer != nil {
		fields[FieldAnswer] = *w.Answer
	}
	if len(w.InitiatorCandidates) > 0 {
		fields[FieldInitiatorCandidates] = w.InitiatorCandidates
	}
	if len(w.ResponderCandidates) > 0 {
		fields[FieldResponderCandidates] = w.ResponderCandidates
	}
	if w.EndedAt != nil {
		fields[FieldEndedAt] = *w.EndedAt
	}
	if w.EndedBy != nil {
		fields[FieldEndedBy] = *w.EndedBy
	}
	if w.EndReason != nil {
		fields[FieldEndReason] = *w.EndReason
	}
	return fields
}

// WireFieldsFrom converts a store update into the wire form. Fails on field
// names or value types the protocol does not carry.
func WireFieldsFrom(fields Fields) (WireFields, error) {
	var w WireFields
	for name, value := range fields {
		switch name {
		case FieldPhase:
			p, ok := toPhase(value)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.Phase = &p
		case FieldOffer:
			s, ok := value.(string)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.Offer = &s
		case FieldAnswer:
			s, ok := value.(string)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.Answer = &s
		case FieldInitiatorCandidates:
			c, ok := toCandidates(value)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.InitiatorCandidates = c
		case FieldResponderCandidates:
			c, ok := toCandidates(value)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.ResponderCandidates = c
		case FieldEndedAt:
			t, ok := value.(time.Time)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.EndedAt = &t
		case FieldEndedBy:
			r, ok := toRole(value)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.EndedBy = &r
		case FieldEndReason:
			r, ok := toEndReason(value)
			if !ok {
				return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
			}
			w.EndReason = &r
		default:
			return w, fmt.Errorf("%w: %s", ErrFieldOwnership, name)
		}
	}
	return w, nil
}

// Frame is one websocket message in either direction.
type Frame struct {
	Op    string `json:"op"`
	ReqID uint64 `json:"reqId,omitempty"`

	// Request payloads.
	Session *CallSession `json:"session,omitempty"`
	ID      string       `json:"id,omitempty"`
	Fields  *WireFields  `json:"fields,omitempty"`
	Filter  *Filter      `json:"filter,omitempty"`
	Since   *time.Time   `json:"since,omitempty"`
	PartyID string       `json:"partyId,omitempty"`
	SubID   uint64       `json:"subId,omitempty"`

	// Response payloads.
	Sessions []*CallSession `json:"sessions,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// wireError maps a store error to its wire string and back, preserving
// errors.Is classification across the relay boundary.
var wireErrors = map[string]error{
	ErrNotFound.Error():        ErrNotFound,
	ErrAlreadyExists.Error():   ErrAlreadyExists,
	ErrFieldOwnership.Error():  ErrFieldOwnership,
	ErrPhaseRegression.Error(): ErrPhaseRegression,
	ErrSessionEnded.Error():    ErrSessionEnded,
	ErrStoreClosed.Error():     ErrStoreClosed,
}

// decodeWireError reconstructs a sentinel error from its wire string.
func decodeWireError(msg string) error {
	if msg == "" {
		return nil
	}
	if sentinel, ok := wireErrors[msg]; ok {
		return sentinel
	}
	return fmt.Errorf("relay: %s", msg)
}
