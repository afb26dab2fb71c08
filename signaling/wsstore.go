package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsRequestTimeout bounds how long a client waits for a relay response
// before surfacing a signaling failure to the caller's retry logic.
const wsRequestTimeout = 10 * time.Second

// WSStore is a Store implementation speaking the relay protocol over a
// single websocket connection. Requests are correlated by ReqID; change
// events are dispatched to the local subscription that registered them.
//
// A dropped connection fails all pending requests and closes all
// subscription channels; the owning engine treats that like any other
// signaling failure and retries or terminates the call.
type WSStore struct {
	ws *websocket.Conn

	nextReq uint64
	nextSub uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]chan Event
	closed  bool
}

// DialWSStore connects to a signaling relay at the given websocket URL.
func DialWSStore(ctx context.Context, url string) (*WSStore, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DialWSStore",
		"url":      url,
	}).Info("Connected to signaling relay")

	s := &WSStore{
		ws:      ws,
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]chan Event),
	}
	go s.readLoop()
	return s, nil
}

// Close tears down the connection, failing pending requests and closing all
// subscription channels.
func (s *WSStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	subs := s.subs
	s.pending = make(map[uint64]chan Frame)
	s.subs = make(map[uint64]chan Event)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range subs {
		close(ch)
	}
	return s.ws.Close()
}

func (s *WSStore) readLoop() {
	defer s.Close()

	s.ws.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(hubWriteWait))
	})

	for {
		var frame Frame
		if err := s.ws.ReadJSON(&frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Signaling relay connection lost")
			return
		}

		switch frame.Op {
		case OpResult:
			s.mu.Lock()
			ch, ok := s.pending[frame.ReqID]
			if ok {
				delete(s.pending, frame.ReqID)
			}
			s.mu.Unlock()
			if ok {
				ch <- frame
				close(ch)
			}

		case OpEvent:
			// The lock covers the send so a concurrent unsubscribe cannot
			// close the channel mid-dispatch.
			s.mu.Lock()
			if ch, ok := s.subs[frame.SubID]; ok && frame.Session != nil {
				select {
				case ch <- Event{Session: frame.Session, Source: SourcePush}:
				default:
					// Saturated; poll fallback recovers.
				}
			}
			s.mu.Unlock()
		}
	}
}

// roundTrip sends a request frame and waits for its correlated result.
func (s *WSStore) roundTrip(ctx context.Context, frame Frame) (Frame, error) {
	frame.ReqID = atomic.AddUint64(&s.nextReq, 1)
	reply := make(chan Frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrStoreClosed
	}
	s.pending[frame.ReqID] = reply
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.ws.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("relay write: %w", err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return Frame{}, ErrStoreClosed
		}
		if resp.Error != "" {
			return Frame{}, decodeWireError(resp.Error)
		}
		return resp, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("relay request timed out")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

// Create persists a new session record via the relay.
func (s *WSStore) Create(ctx context.Context, session *CallSession) error {
	_, err := s.roundTrip(ctx, Frame{Op: OpCreate, Session: session})
	return err
}

// Update applies a field-level partial update via the relay.
func (s *WSStore) Update(ctx context.Context, id string, fields Fields) error {
	wire, err := WireFieldsFrom(fields)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, Frame{Op: OpUpdate, ID: id, Fields: &wire})
	return err
}

// Get returns a snapshot of the session via the relay.
func (s *WSStore) Get(ctx context.Context, id string) (*CallSession, error) {
	resp, err := s.roundTrip(ctx, Frame{Op: OpGet, ID: id})
	if err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, ErrNotFound
	}
	return resp.Session, nil
}

// Subscribe registers a server-side subscription and returns the local event
// channel for it.
func (s *WSStore) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	subID := atomic.AddUint64(&s.nextSub, 1)
	events := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrStoreClosed
	}
	s.subs[subID] = events
	s.mu.Unlock()

	if _, err := s.roundTrip(ctx, Frame{Op: OpSubscribe, SubID: subID, Filter: &filter}); err != nil {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		close(events)
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			ch, ok := s.subs[subID]
			if ok {
				delete(s.subs, subID)
			}
			closed := s.closed
			s.mu.Unlock()

			if !closed {
				s.writeMu.Lock()
				_ = s.ws.WriteJSON(Frame{Op: OpUnsubscribe, SubID: subID})
				s.writeMu.Unlock()
			}
			if ok {
				close(ch)
			}
		})
	}
	return events, cancel, nil
}

// ListChanged returns sessions updated at or after since.
func (s *WSStore) ListChanged(ctx context.Context, since time.Time) ([]*CallSession, error) {
	resp, err := s.roundTrip(ctx, Frame{Op: OpListChanged, Since: &since})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ListByParticipant returns non-ended sessions for the given party.
func (s *WSStore) ListByParticipant(ctx context.Context, partyID string) ([]*CallSession, error) {
	resp, err := s.roundTrip(ctx, Frame{Op: OpListByParticipant, PartyID: partyID})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}
