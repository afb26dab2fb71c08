package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayClient(t *testing.T) (*WSStore, *MemoryStore) {
	t.Helper()

	backend := NewMemoryStore()
	hub := NewHub(backend)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		backend.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWSStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, backend
}

// TestRelayRoundTrip verifies the websocket store behaves like any other
// backend for the basic record operations.
func TestRelayRoundTrip(t *testing.T) {
	client, _ := newRelayClient(t)
	ctx := context.Background()

	require.NoError(t, client.Create(ctx, newTestSession("call-1")))

	err := client.Create(ctx, newTestSession("call-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists, "sentinel errors survive the relay")

	require.NoError(t, client.Update(ctx, "call-1", Fields{
		FieldPhase: PhaseRinging,
		FieldOffer: "sdp-offer",
	}))

	got, err := client.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseRinging, got.Phase)
	assert.Equal(t, "sdp-offer", got.Offer)

	err = client.Update(ctx, "call-1", Fields{FieldPhase: PhaseInitiating})
	assert.ErrorIs(t, err, ErrPhaseRegression)

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestRelaySubscribe verifies change events flow from a relay-side write to
// a client subscription.
func TestRelaySubscribe(t *testing.T) {
	client, backend := newRelayClient(t)
	ctx := context.Background()

	events, cancel, err := client.Subscribe(ctx, Filter{SessionID: "call-1"})
	require.NoError(t, err)
	defer cancel()

	// Write through the backend directly, as the other party would.
	require.NoError(t, backend.Create(ctx, newTestSession("call-1")))
	require.NoError(t, backend.Update(ctx, "call-1", Fields{FieldAnswer: "sdp-answer"}))

	var sawAnswer bool
	deadline := time.After(2 * time.Second)
	for !sawAnswer {
		select {
		case ev := <-events:
			require.Equal(t, "call-1", ev.Session.ID)
			if ev.Session.Answer != "" {
				assert.Equal(t, "sdp-answer", ev.Session.Answer)
				sawAnswer = true
			}
		case <-deadline:
			t.Fatal("expected answer change event over the relay")
		}
	}
}

// TestRelayListQueries verifies the poll fallback and participant queries
// work through the relay.
func TestRelayListQueries(t *testing.T) {
	client, _ := newRelayClient(t)
	ctx := context.Background()

	require.NoError(t, client.Create(ctx, newTestSession("call-1")))

	changed, err := client.ListChanged(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "call-1", changed[0].ID)

	sessions, err := client.ListByParticipant(ctx, "child-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	sessions, err = client.ListByParticipant(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
