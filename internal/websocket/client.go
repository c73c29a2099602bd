package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"Seshat/internal/chat"
	"Seshat/internal/models"
)

var clientLogger = slog.With("component", "session")

// Timeouts follow the usual gorilla pump settings: the ping interval
// must be shorter than the read deadline it refreshes.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	callWait   = 5 * time.Second
)

// ChatAPI is the slice of the chat service a live session needs.
type ChatAPI interface {
	PostMessage(ctx context.Context, roomID int64, sender *models.User, content string) (*models.MessageView, error)
	MarkRead(ctx context.Context, roomID, readerID int64) (int64, error)
}

// Client is one live session: an authenticated user connected to
// exactly one room for the lifetime of the websocket. The hub owns the
// client between Join and Leave.
type Client struct {
	ID     uuid.UUID
	User   models.User
	RoomID int64

	hub     *Hub
	conn    *websocket.Conn
	service ChatAPI

	send           chan []byte
	maxMessageSize int64

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection. The caller registers it with
// the hub and starts the two pumps.
func NewClient(hub *Hub, conn *websocket.Conn, service ChatAPI, user models.User, roomID int64, sendBuffer int, maxMessageSize int64) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		ID:             uuid.New(),
		User:           user,
		RoomID:         roomID,
		hub:            hub,
		conn:           conn,
		service:        service,
		send:           make(chan []byte, sendBuffer),
		maxMessageSize: maxMessageSize,
	}
}

// trySend queues a payload for delivery without blocking. It reports
// false when the session is closing or its buffer is full.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the delivery channel, which stops the write pump.
// Safe to call any number of times from any goroutine.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// reply queues a frame addressed to this session only.
func (c *Client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		clientLogger.Error("Failed to encode reply", "session_id", c.ID, "error", err)
		return
	}
	if !c.trySend(payload) {
		clientLogger.Warn("Reply dropped, session closing", "session_id", c.ID)
	}
}

// ReadPump processes inbound frames strictly sequentially until the
// connection drops, then deregisters the session. It must run in its
// own goroutine, one per connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Leave(c.RoomID, c)
		c.conn.Close()
	}()

	if c.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				clientLogger.Warn("WebSocket read error", "session_id", c.ID, "error", err)
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame dispatches one inbound frame. Every failure here is
// recoverable: the session answers with an error frame and stays open.
func (c *Client) handleFrame(raw []byte) {
	var frame models.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		clientLogger.Warn("Received invalid JSON", "session_id", c.ID)
		c.reply(models.ErrorFrame{Error: "Invalid JSON format."})
		return
	}

	switch frame.Type {
	case models.FrameTypeMarkRead:
		c.handleMarkRead()
	case "", models.FrameTypeMessage:
		c.handleMessage(frame.Message)
	default:
		// Unknown frame types are ignored.
	}
}

func (c *Client) handleMessage(content string) {
	if content == "" {
		clientLogger.Warn("Received empty message content", "session_id", c.ID)
		c.reply(models.ErrorFrame{Error: "Message content cannot be empty."})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callWait)
	defer cancel()

	view, err := c.service.PostMessage(ctx, c.RoomID, &c.User, content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyContent):
			c.reply(models.ErrorFrame{Error: "Message content cannot be empty."})
		default:
			clientLogger.Error("Failed to save message", "session_id", c.ID, "room_id", c.RoomID, "error", err)
			c.reply(models.ErrorFrame{Error: "Failed to save message."})
		}
		return
	}

	// Persist and publish are two separate steps: the sender's own
	// render also arrives through the broadcast.
	c.hub.Publish(c.RoomID, *view)
}

// handleMarkRead flips the room's unread messages and confirms to the
// requesting session only; this is never broadcast.
func (c *Client) handleMarkRead() {
	ctx, cancel := context.WithTimeout(context.Background(), callWait)
	defer cancel()

	if _, err := c.service.MarkRead(ctx, c.RoomID, c.User.ID); err != nil {
		clientLogger.Error("Failed to mark messages read", "session_id", c.ID, "room_id", c.RoomID, "error", err)
		c.reply(models.ReadStatusFrame{Type: "read_status", Status: "error", Message: "Failed to mark messages as read"})
		return
	}
	c.reply(models.ReadStatusFrame{Type: "read_status", Status: "success", Message: "Messages marked as read"})
}

// WritePump drains the delivery channel into the connection and keeps
// it alive with pings. One per connection, owns all writes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Сессия закрыта - отправляем close frame
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				clientLogger.Warn("WebSocket write error", "session_id", c.ID, "error", err)
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
