package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) *CallSession {
	return &CallSession{
		ID:                id,
		InitiatorRole:     RoleDependent,
		ResponderRole:     RolePrimaryGuardian,
		InitiatorID:       "child-1",
		ResponderID:       "parent-1",
		RecipientRoleHint: RolePrimaryGuardian,
		Kind:              KindVideo,
		Phase:             PhaseInitiating,
	}
}

// TestMemoryStoreCreateAndGet verifies basic record persistence.
func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	session := newTestSession("call-1")
	require.NoError(t, store.Create(ctx, session))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "call-1", got.ID)
	assert.Equal(t, PhaseInitiating, got.Phase)
	assert.False(t, got.CreatedAt.IsZero(), "CreatedAt should be stamped")
	assert.False(t, got.UpdatedAt.IsZero(), "UpdatedAt should be stamped")

	// Duplicate create is rejected.
	err = store.Create(ctx, newTestSession("call-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Unknown id.
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryStoreOfferWriteOnce verifies the offer can be set once by value:
// an identical rewrite is a no-op and a different value is rejected.
func TestMemoryStoreOfferWriteOnce(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))

	require.NoError(t, store.Update(ctx, "call-1", Fields{FieldOffer: "sdp-offer-v1"}))

	// Replaying the same value must not error (duplicate signaling event).
	assert.NoError(t, store.Update(ctx, "call-1", Fields{FieldOffer: "sdp-offer-v1"}))

	// A different value violates write-once.
	err := store.Update(ctx, "call-1", Fields{FieldOffer: "sdp-offer-v2"})
	assert.ErrorIs(t, err, ErrFieldOwnership)

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "sdp-offer-v1", got.Offer)
}

// TestMemoryStorePhaseMonotonic verifies the phase never moves backward and
// that a rejected update leaves the record untouched.
func TestMemoryStorePhaseMonotonic(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))
	require.NoError(t, store.Update(ctx, "call-1", Fields{FieldPhase: PhaseRinging}))
	require.NoError(t, store.Update(ctx, "call-1", Fields{FieldPhase: PhaseConnecting}))

	// Same phase again is a no-op, not an error.
	assert.NoError(t, store.Update(ctx, "call-1", Fields{FieldPhase: PhaseConnecting}))

	err := store.Update(ctx, "call-1", Fields{FieldPhase: PhaseRinging})
	assert.ErrorIs(t, err, ErrPhaseRegression)

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseConnecting, got.Phase)
}

// TestMemoryStoreCandidatesAppendOnly verifies candidate updates append in
// order and never replace.
func TestMemoryStoreCandidatesAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))

	require.NoError(t, store.Update(ctx, "call-1", Fields{
		FieldInitiatorCandidates: []Candidate{{Payload: "cand-a"}},
	}))
	require.NoError(t, store.Update(ctx, "call-1", Fields{
		FieldInitiatorCandidates: Candidate{Payload: "cand-b"},
	}))
	require.NoError(t, store.Update(ctx, "call-1", Fields{
		FieldResponderCandidates: []Candidate{{Payload: "cand-r1"}},
	}))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	require.Len(t, got.InitiatorCandidates, 2)
	assert.Equal(t, "cand-a", got.InitiatorCandidates[0].Payload)
	assert.Equal(t, "cand-b", got.InitiatorCandidates[1].Payload)
	require.Len(t, got.ResponderCandidates, 1)
}

// TestMemoryStoreEndedIsTerminal verifies ended fields are write-once and no
// further mutation is accepted.
func TestMemoryStoreEndedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))
	endedAt := time.Now()
	require.NoError(t, store.Update(ctx, "call-1", EndFields(RoleDependent, EndReasonHangup, endedAt)))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseEnded, got.Phase)
	assert.Equal(t, RoleDependent, got.EndedBy)
	assert.Equal(t, EndReasonHangup, got.EndReason)

	// A second finalization attempt is rejected at the store.
	err = store.Update(ctx, "call-1", EndFields(RolePrimaryGuardian, EndReasonFailed, time.Now()))
	assert.ErrorIs(t, err, ErrSessionEnded)

	// Any other write after end is rejected too.
	err = store.Update(ctx, "call-1", Fields{FieldAnswer: "late-answer"})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

// TestMemoryStoreUnknownFieldRejected verifies the writer cannot smuggle
// fields outside the ownership model.
func TestMemoryStoreUnknownFieldRejected(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))
	err := store.Update(ctx, "call-1", Fields{"initiatorId": "someone-else"})
	assert.ErrorIs(t, err, ErrFieldOwnership)
}

// TestMemoryStoreSubscribeFanout verifies subscribers receive matching
// changes and nothing else.
func TestMemoryStoreSubscribeFanout(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	inbox, cancelInbox, err := store.Subscribe(ctx, Filter{
		ResponderID:   "parent-1",
		ResponderRole: RolePrimaryGuardian,
	})
	require.NoError(t, err)
	defer cancelInbox()

	other, cancelOther, err := store.Subscribe(ctx, Filter{ResponderID: "parent-2"})
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))

	select {
	case ev := <-inbox:
		assert.Equal(t, "call-1", ev.Session.ID)
		assert.Equal(t, SourcePush, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("expected inbox event for matching subscriber")
	}

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for non-matching subscriber: %v", ev.Session.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMemoryStoreListChanged verifies the polling fallback window.
func TestMemoryStoreListChanged(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, newTestSession("call-1")))

	changed, err := store.ListChanged(ctx, before)
	require.NoError(t, err)
	require.Len(t, changed, 1)

	changed, err = store.ListChanged(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, changed)
}

// TestMemoryStoreListByParticipant verifies busy-detector queries skip ended
// sessions.
func TestMemoryStoreListByParticipant(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestSession("call-1")))
	ended := newTestSession("call-2")
	require.NoError(t, store.Create(ctx, ended))
	require.NoError(t, store.Update(ctx, "call-2", EndFields(RoleDependent, EndReasonHangup, time.Now())))

	sessions, err := store.ListByParticipant(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "call-1", sessions[0].ID)

	sessions, err = store.ListByParticipant(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
