package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"Seshat/internal/models"
)

var hubLogger = slog.With("component", "hub")

// Hub is the connection registry and broadcast router: it maps room ids
// to the set of live clients and fans persisted messages out to them.
//
// Каждая комната несет собственный мьютекс, поэтому рассылки в разных
// комнатах никогда не сериализуются между собой.
type Hub struct {
	mu    sync.RWMutex
	rooms map[int64]*room
}

type room struct {
	mu      sync.Mutex
	members map[*Client]struct{}
	// removed marks a room entry that was dropped from the map while
	// empty; a Join racing the drop retries instead of registering
	// into the orphaned entry.
	removed bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[int64]*room)}
}

func (h *Hub) getRoom(roomID int64) *room {
	h.mu.RLock()
	rm := h.rooms[roomID]
	h.mu.RUnlock()
	return rm
}

func (h *Hub) getOrCreateRoom(roomID int64) *room {
	if rm := h.getRoom(roomID); rm != nil {
		return rm
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[*Client]struct{})}
		h.rooms[roomID] = rm
	}
	return rm
}

// Join registers the client under the room id.
func (h *Hub) Join(roomID int64, c *Client) {
	var count int
	for {
		rm := h.getOrCreateRoom(roomID)
		rm.mu.Lock()
		if rm.removed {
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		count = len(rm.members)
		rm.mu.Unlock()
		break
	}
	hubLogger.Info("Client joined room", "session_id", c.ID, "user_id", c.User.ID, "room_id", roomID, "members", count)
}

// Leave removes the client from the room and closes its delivery
// channel. Leaving a room the client never joined, or leaving twice,
// is a no-op: teardown paths may race.
func (h *Hub) Leave(roomID int64, c *Client) {
	rm := h.getRoom(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	_, ok := rm.members[c]
	if ok {
		delete(rm.members, c)
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if !ok {
		return
	}
	c.shutdown()
	if empty {
		h.dropIfEmpty(roomID, rm)
	}
	hubLogger.Info("Client left room", "session_id", c.ID, "user_id", c.User.ID, "room_id", roomID)
}

// dropIfEmpty removes the room entry once its last member is gone, so
// idle rooms do not accumulate for the process lifetime.
func (h *Hub) dropIfEmpty(roomID int64, rm *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[roomID]; ok && cur == rm {
		rm.mu.Lock()
		if len(rm.members) == 0 {
			rm.removed = true
			delete(h.rooms, roomID)
		}
		rm.mu.Unlock()
	}
}

// Members returns a snapshot of the clients currently in the room.
func (h *Hub) Members(roomID int64) []*Client {
	rm := h.getRoom(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	members := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		members = append(members, c)
	}
	return members
}

// Publish delivers the message view to every client in the room,
// including the sender's own session. A recipient whose delivery
// channel is full or closing is dropped from the room and the rest
// still receive the message. Publishes within one room are serialized
// under the room lock, so every recipient observes the same order.
func (h *Hub) Publish(roomID int64, view models.MessageView) {
	rm := h.getRoom(roomID)
	if rm == nil {
		return
	}

	payload, err := json.Marshal(view)
	if err != nil {
		hubLogger.Error("Failed to encode broadcast", "room_id", roomID, "message_id", view.ID, "error", err)
		return
	}

	var failed []*Client
	rm.mu.Lock()
	for c := range rm.members {
		if !c.trySend(payload) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(rm.members, c)
	}
	delivered := len(rm.members)
	rm.mu.Unlock()

	// Dropping the last member leaves the room empty without a Leave
	// ever firing for it, so the entry is cleaned up here too.
	if len(failed) > 0 && delivered == 0 {
		h.dropIfEmpty(roomID, rm)
	}

	for _, c := range failed {
		hubLogger.Warn("Dropping slow or closing client", "session_id", c.ID, "user_id", c.User.ID, "room_id", roomID)
		c.shutdown()
	}
	hubLogger.Info("Broadcast delivered", "room_id", roomID, "message_id", view.ID, "recipients", delivered)
}
