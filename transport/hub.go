// Package transport is the client-facing WebSocket surface (ClientTransport):
// connection upgrade, room-keyed broadcast, and per-socket message delivery,
// generalized from a single hard-coded terminal connection to the
// multiplexer's socket/session registry.
package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendChanSize = 64
)

// connection is one upgraded WebSocket, identified by a caller-supplied
// socket id (not to be confused with the session id it may be bound to).
type connection struct {
	id          string
	workspaceID string
	conn        *websocket.Conn
	send        chan Message
	closeOnce   sync.Once
	done        chan struct{}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WSHub is the ClientTransport implementation over gorilla/websocket,
// satisfying ptymux.Broadcaster via Emit/EmitRoom: every socket is indexed
// both directly (for handshake/replay/errors) and by its workspace room (for
// PTY output and lifecycle events, since all tabs on a workspace see all of
// its session traffic and filter client-side by sessionId).
type WSHub struct {
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*connection     // socket id -> connection
	rooms map[string]map[string]bool // "workspace:<id>" -> socket ids
}

// NewWSHub constructs a hub.
func NewWSHub(log *logrus.Entry) *WSHub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:   log.WithField("component", "transport.WSHub"),
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]bool),
	}
}

func roomKey(workspaceID string) string { return fmt.Sprintf("workspace:%s", workspaceID) }

// Upgrade promotes an HTTP request to a WebSocket, registers it under
// socketID within workspace's room, and returns the connection handle. The
// caller owns reading/writing via ReadLoop/Emit.
func (h *WSHub) Upgrade(w http.ResponseWriter, r *http.Request, workspaceID, socketID string) (*connection, error) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}

	c := &connection{
		id:          socketID,
		workspaceID: workspaceID,
		conn:        wsConn,
		send:        make(chan Message, sendChanSize),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[socketID] = c
	key := roomKey(workspaceID)
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[string]bool)
	}
	h.rooms[key][socketID] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	return c, nil
}

// ReadLoop blocks reading decoded Messages off the connection until it
// closes or the caller's handler returns an error, then unregisters it.
func (h *WSHub) ReadLoop(c *connection, handle func(Message) error) {
	defer h.unregister(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.WithError(err).WithField("socketId", c.id).Warn("ReadLoop: invalid message")
			continue
		}
		if err := handle(msg); err != nil {
			h.log.WithError(err).WithField("socketId", c.id).Warn("ReadLoop: handler error")
			return
		}
	}
}

func (h *WSHub) writeLoop(c *connection) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Emit sends msg to one socket, dropping it if the connection's buffer is
// full rather than blocking the broadcaster.
func (h *WSHub) Emit(socketID string, msg Message) {
	h.mu.RLock()
	c, ok := h.conns[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.WithField("socketId", socketID).Warn("Emit: send buffer full, dropping message")
	}
}

// EmitRoom sends msg to every socket currently connected under workspaceID.
func (h *WSHub) EmitRoom(workspaceID string, msg Message) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[roomKey(workspaceID)]))
	for id := range h.rooms[roomKey(workspaceID)] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Emit(id, msg)
	}
}

func (h *WSHub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	if room := h.rooms[roomKey(c.workspaceID)]; room != nil {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, roomKey(c.workspaceID))
		}
	}
	h.mu.Unlock()
	c.close()
}
