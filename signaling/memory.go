package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriberBuffer bounds the per-subscriber event queue. A subscriber that
// falls this far behind loses push events and must recover via ListChanged,
// which is exactly what the Watcher's poll fallback does.
const subscriberBuffer = 64

// MemoryStore is an in-process Store implementation.
//
// It backs unit tests, the websocket relay hub, and single-process
// deployments. Fan-out is non-blocking: a slow subscriber drops events rather
// than stalling writers, relying on the polling fallback for recovery.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	subs     map[int]*memorySub
	nextSub  int
	closed   bool

	// timeProvider allows deterministic tests. Nil means wall clock.
	timeProvider TimeProvider
}

type memorySub struct {
	filter Filter
	ch     chan Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*CallSession),
		subs:     make(map[int]*memorySub),
	}
}

// SetTimeProvider sets the time source for deterministic testing.
func (m *MemoryStore) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = tp
}

func (m *MemoryStore) now() time.Time {
	if m.timeProvider != nil {
		return m.timeProvider.Now()
	}
	return time.Now()
}

// Create persists a new session record.
func (m *MemoryStore) Create(ctx context.Context, session *CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.sessions[session.ID]; exists {
		return ErrAlreadyExists
	}

	stored := session.Clone()
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	m.sessions[stored.ID] = stored

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"session_id": stored.ID,
		"phase":      stored.Phase,
		"initiator":  stored.InitiatorID,
		"responder":  stored.ResponderID,
	}).Debug("Session record created")

	m.notifyLocked(stored)
	return nil
}

// Update applies a field-level partial update.
func (m *MemoryStore) Update(ctx context.Context, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	session, exists := m.sessions[id]
	if !exists {
		return ErrNotFound
	}

	// Apply against a copy so a rejected update leaves the record intact.
	updated := session.Clone()
	if err := applyFields(updated, fields, m.now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Update",
			"session_id": id,
			"error":      err.Error(),
		}).Warn("Session update rejected")
		return err
	}

	m.sessions[id] = updated
	m.notifyLocked(updated)
	return nil
}

// Get returns a snapshot of the session.
func (m *MemoryStore) Get(ctx context.Context, id string) (*CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// Subscribe returns a stream of change events for matching sessions.
func (m *MemoryStore) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrStoreClosed
	}

	id := m.nextSub
	m.nextSub++
	sub := &memorySub{
		filter: filter,
		ch:     make(chan Event, subscriberBuffer),
	}
	m.subs[id] = sub

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel, nil
}

// ListChanged returns snapshots of sessions updated at or after since,
// oldest first.
func (m *MemoryStore) ListChanged(ctx context.Context, since time.Time) ([]*CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CallSession
	for _, s := range m.sessions {
		if !s.UpdatedAt.Before(since) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListByParticipant returns non-ended sessions in which partyID is either side.
func (m *MemoryStore) ListByParticipant(ctx context.Context, partyID string) ([]*CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CallSession
	for _, s := range m.sessions {
		if s.Ended() {
			continue
		}
		if s.InitiatorID == partyID || s.ResponderID == partyID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// Close shuts down the store and closes all subscriber channels.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
}

// notifyLocked fans a change out to matching subscribers. Callers hold m.mu.
func (m *MemoryStore) notifyLocked(session *CallSession) {
	for _, sub := range m.subs {
		if !sub.filter.Matches(session) {
			continue
		}
		select {
		case sub.ch <- Event{Session: session.Clone(), Source: SourcePush}:
		default:
			// Subscriber is saturated. Drop and let the poll fallback
			// recover the change.
			logrus.WithFields(logrus.Fields{
				"function":   "notifyLocked",
				"session_id": session.ID,
			}).Warn("Subscriber buffer full, dropping push event")
		}
	}
}
