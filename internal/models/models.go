package models

import (
	"fmt"
	"strings"
	"time"
)

// User is an identity record resolved from the users service tables.
// This core never creates or mutates users.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Summary returns the sender representation used in broadcast frames.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// UserSummary is the compact sender/participant view sent over the wire.
type UserSummary struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Room is a fixed set of participants sharing a message history.
// BookingID optionally links the room to an external booking; it is
// opaque to this service.
type Room struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	BookingID    *int64    `json:"booking"`
	Participants []User    `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName derives a readable name when none was stored:
// booking reference first, then the participant emails, then the id.
func (r *Room) DisplayName() string {
	if r.BookingID != nil {
		return fmt.Sprintf("Chat for Booking %d", *r.BookingID)
	}
	if len(r.Participants) > 0 {
		emails := make([]string, 0, len(r.Participants))
		for _, p := range r.Participants {
			emails = append(emails, p.Email)
		}
		return "Chat between " + strings.Join(emails, ", ")
	}
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("ChatRoom %d", r.ID)
}

// Message is one chat message. Immutable after creation except for the
// read flag. SenderID is nullable: the sender account may be deleted
// while the message is retained.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room"`
	SenderID  *int64    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}

// MessageView is the rendered message delivered over the live channel
// and returned by the listing endpoint.
type MessageView struct {
	ID        int64        `json:"id"`
	Sender    *UserSummary `json:"sender"`
	Content   string       `json:"content"`
	Timestamp string       `json:"timestamp"`
	RoomID    int64        `json:"room"`
	IsRead    bool         `json:"is_read"`
}

// RoomSummary is one entry of the room listing: the room plus the
// caller-specific last message and unread count.
type RoomSummary struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Participants []UserSummary `json:"participants"`
	BookingID    *int64        `json:"booking"`
	CreatedAt    time.Time     `json:"created_at"`
	LastMessage  *MessageView  `json:"last_message"`
	UnreadCount  int64         `json:"unread_count"`
}

// Inbound frame types on the live channel. A frame without a type is
// treated as a chat message.
const (
	FrameTypeMessage  = "message"
	FrameTypeMarkRead = "mark_read"
)

// InboundFrame is a client frame on the live channel.
type InboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorFrame is sent back on the same connection for recoverable
// per-frame failures.
type ErrorFrame struct {
	Error string `json:"error"`
}

// ReadStatusFrame confirms a mark_read request to the requester only.
type ReadStatusFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
