package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 50 * time.Second
)

// Hub serves the Store contract to websocket clients. Each connection gets a
// read loop that dispatches requests against the backing store and a single
// writer goroutine that serializes responses and change events.
//
// The hub itself holds no call state; it is a thin relay in front of any
// Store backend.
type Hub struct {
	store    Store
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

// NewHub creates a relay hub over the given backend store.
func NewHub(store Store) *Hub {
	return &Hub{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts first-party clients only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
}

type hubConn struct {
	ws   *websocket.Conn
	send chan Frame

	mu     sync.Mutex
	subs   map[uint64]func()
	closed bool
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	conn := &hubConn{
		ws:   ws,
		send: make(chan Frame, subscriberBuffer),
		subs: make(map[uint64]func()),
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "ServeHTTP",
		"remote_addr": r.RemoteAddr,
	}).Info("Signaling client connected")

	go conn.writeLoop()
	h.readLoop(r.Context(), conn)

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.teardown()
}

// Close drops every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*hubConn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *hubConn) {
	conn.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		var frame Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Signaling client connection lost")
			}
			return
		}
		h.dispatch(ctx, conn, frame)
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *hubConn, frame Frame) {
	reply := Frame{Op: OpResult, ReqID: frame.ReqID}

	switch frame.Op {
	case OpCreate:
		if frame.Session == nil {
			reply.Error = "session is required"
			break
		}
		if err := h.store.Create(ctx, frame.Session); err != nil {
			reply.Error = err.Error()
		}

	case OpUpdate:
		if frame.Fields == nil {
			reply.Error = "fields are required"
			break
		}
		if err := h.store.Update(ctx, frame.ID, frame.Fields.ToFields()); err != nil {
			reply.Error = err.Error()
		}

	case OpGet:
		session, err := h.store.Get(ctx, frame.ID)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Session = session
		}

	case OpSubscribe:
		h.subscribe(conn, frame, &reply)

	case OpUnsubscribe:
		conn.unsubscribe(frame.SubID)

	case OpListChanged:
		since := time.Time{}
		if frame.Since != nil {
			since = *frame.Since
		}
		sessions, err := h.store.ListChanged(ctx, since)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Sessions = sessions
		}

	case OpListByParticipant:
		sessions, err := h.store.ListByParticipant(ctx, frame.PartyID)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Sessions = sessions
		}

	default:
		reply.Error = "unknown op: " + frame.Op
	}

	if frame.Op == OpUnsubscribe {
		return
	}
	conn.enqueue(reply)
}

// subscribe wires a store subscription into the connection's send queue.
// Subscriptions use the background context: they outlive the request that
// created them and end on unsubscribe or disconnect.
func (h *Hub) subscribe(conn *hubConn, frame Frame, reply *Frame) {
	if frame.Filter == nil {
		reply.Error = "filter is required"
		return
	}

	events, cancel, err := h.store.Subscribe(context.Background(), *frame.Filter)
	if err != nil {
		reply.Error = err.Error()
		return
	}

	subID := frame.SubID
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		cancel()
		reply.Error = ErrStoreClosed.Error()
		return
	}
	conn.subs[subID] = cancel
	conn.mu.Unlock()

	go func() {
		for ev := range events {
			conn.enqueue(Frame{Op: OpEvent, SubID: subID, Session: ev.Session})
		}
	}()

	reply.SubID = subID
}

func (c *hubConn) enqueue(frame Frame) {
	// The lock covers the send attempt so teardown cannot close the channel
	// between the closed check and the send.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"op":       frame.Op,
		}).Warn("Client send queue full, dropping frame")
	}
}

func (c *hubConn) writeLoop() {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubConn) unsubscribe(subID uint64) {
	c.mu.Lock()
	cancel, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *hubConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[uint64]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(c.send)
	_ = c.ws.Close()
}
