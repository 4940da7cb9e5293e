// Package hub is the relay side of the sync transport: one room per
// document, frames fanned out to every other member. The hub buffers
// nothing for absent peers; a rejoining peer converges through the
// sync-request handshake instead.
package hub

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/core/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// A slow consumer with a full send buffer is dropped rather than
	// allowed to stall the room.
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

// SnapshotSource provides the authoritative structured snapshot used to
// answer sync requests.
type SnapshotSource interface {
	StructuredSnapshot(ctx context.Context, documentID string) ([]byte, error)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	documentID string
	actorID    string
	writable   bool
	send       chan []byte
}

type Hub struct {
	snapshots SnapshotSource
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*client]bool
}

func New(snapshots SnapshotSource) *Hub {
	return &Hub{
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]bool),
	}
}

// RoomSize reports the number of connected peers for a document.
func (h *Hub) RoomSize(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[documentID])
}

// ServeWS upgrades the request and joins the peer to the document's
// room. The caller has already authenticated the actor and checked
// read access; writable says whether the actor holds edit access.
// Clients are not trusted to enforce this themselves, so the hub
// refuses to relay content mutations from read-only peers.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, documentID, actorID string, writable bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:        h,
		conn:       conn,
		documentID: documentID,
		actorID:    actorID,
		writable:   writable,
		send:       make(chan []byte, sendBuffer),
	}
	h.register(c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.documentID]
	if !ok {
		room = make(map[*client]bool)
		h.rooms[c.documentID] = room
	}
	room[c] = true
	h.mu.Unlock()
	log.Printf("hub: %s joined %s", c.actorID, c.documentID)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.documentID]; ok {
		if room[c] {
			delete(room, c)
			close(c.send)
		}
		if len(room) == 0 {
			delete(h.rooms, c.documentID)
		}
	}
	h.mu.Unlock()
}

// broadcast relays raw frame bytes to every room member except from.
func (h *Hub) broadcast(documentID string, from *client, message []byte) {
	h.mu.Lock()
	var slow []*client
	for member := range h.rooms[documentID] {
		if member == from {
			continue
		}
		select {
		case member.send <- message:
		default:
			slow = append(slow, member)
		}
	}
	for _, member := range slow {
		if h.rooms[documentID][member] {
			delete(h.rooms[documentID], member)
			close(member.send)
		}
	}
	h.mu.Unlock()

	for _, member := range slow {
		log.Printf("hub: dropping slow peer %s from %s", member.actorID, documentID)
		member.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: read error from %s: %v", c.actorID, err)
			}
			return
		}

		frame, err := wire.Decode(message)
		if err != nil {
			log.Printf("hub: dropping unreadable frame from %s: %v", c.actorID, err)
			continue
		}

		switch frame.Kind {
		case wire.KindSyncRequest:
			c.answerSyncRequest()
		case wire.KindDelta:
			if !c.writable {
				log.Printf("hub: dropping delta from read-only peer %s on %s", c.actorID, c.documentID)
				continue
			}
			c.hub.broadcast(c.documentID, c, message)
		case wire.KindPresence:
			c.hub.broadcast(c.documentID, c, message)
		default:
			log.Printf("hub: dropping frame of unknown kind %q from %s", frame.Kind, c.actorID)
		}
	}
}

// answerSyncRequest sends the authoritative snapshot back to the
// requesting peer only.
func (c *client) answerSyncRequest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot, err := c.hub.snapshots.StructuredSnapshot(ctx, c.documentID)
	if err != nil {
		log.Printf("hub: snapshot for %s: %v", c.documentID, err)
		return
	}
	message, err := wire.Encode(wire.Frame{Kind: wire.KindSyncState, Payload: snapshot})
	if err != nil {
		log.Printf("hub: encode sync state: %v", err)
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
