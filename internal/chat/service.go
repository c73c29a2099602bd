package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"Seshat/internal/models"
)

var serviceLogger = slog.With("component", "chatservice")

// Store is the persistence collaborator consumed by the service.
// *storage.Storage implements it; tests substitute an in-memory fake.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []int64) ([]models.User, error)
	IsParticipant(ctx context.Context, roomID, userID int64) (bool, error)
	RoomExists(ctx context.Context, roomID int64) (bool, error)
	CreateRoom(ctx context.Context, name string, bookingID *int64, participantIDs []int64) (*models.Room, error)
	GetRoom(ctx context.Context, roomID int64) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, userID int64) ([]models.Room, error)
	SaveMessage(ctx context.Context, roomID, senderID int64, content string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID int64) ([]models.Message, map[int64]models.User, error)
	LastMessage(ctx context.Context, roomID int64) (*models.Message, error)
	CountUnread(ctx context.Context, roomID, userID int64) (int64, error)
	MarkMessagesRead(ctx context.Context, roomID, readerID int64) (int64, error)
}

// Validation and authorization failures surfaced to the transport
// layers, which map them to error frames or HTTP statuses.
var (
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrRoomNotFound       = errors.New("chat room not found")
	ErrNotParticipant     = errors.New("you do not have permission to access this chat room")
	ErrTooFewParticipants = errors.New("a chat room requires at least two participants")
)

// Service owns the chat semantics: membership guard, read-state
// tracking, and room/message operations on top of the Store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// IsParticipant reports whether the user may connect to, read from and
// write to the room. It fails closed: a missing room and a store error
// both come back as false, so non-participants cannot probe for room
// existence.
func (s *Service) IsParticipant(ctx context.Context, roomID, userID int64) bool {
	ok, err := s.store.IsParticipant(ctx, roomID, userID)
	if err != nil {
		serviceLogger.Error("Participant lookup failed", "room_id", roomID, "user_id", userID, "error", err)
		return false
	}
	return ok
}

// ResolveUser loads the identity record behind an authenticated user id.
// Returns nil when the account no longer exists.
func (s *Service) ResolveUser(ctx context.Context, userID int64) (*models.User, error) {
	return s.store.GetUser(ctx, userID)
}

// CreateRoomParams is the room-creation request. The creator is always
// added to the participant set.
type CreateRoomParams struct {
	Name           string
	BookingID      *int64
	ParticipantIDs []int64
}

// CreateRoom creates a room after resolving the participant ids against
// the identity tables. Unknown ids are dropped; fewer than two distinct
// known participants (creator included) is ErrTooFewParticipants.
func (s *Service) CreateRoom(ctx context.Context, creatorID int64, params CreateRoomParams) (*models.RoomSummary, error) {
	ids := lo.Uniq(append(params.ParticipantIDs, creatorID))
	users, err := s.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving participants: %w", err)
	}
	if len(users) < 2 {
		return nil, ErrTooFewParticipants
	}

	room, err := s.store.CreateRoom(ctx, params.Name, params.BookingID,
		lo.Map(users, func(u models.User, _ int) int64 { return u.ID }))
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	serviceLogger.Info("Room created", "room_id", room.ID, "participants", len(room.Participants))
	summary := s.roomSummary(ctx, room, creatorID)
	return &summary, nil
}

// ListRooms returns every room the caller participates in, each with
// its participants, most recent message and the caller's unread count.
func (s *Service) ListRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for i := range rooms {
		summaries = append(summaries, s.roomSummary(ctx, &rooms[i], userID))
	}
	return summaries, nil
}

// RoomDetail returns the caller's view of a single room. A room the
// caller does not participate in answers the same as a missing one, so
// room existence is not leaked.
func (s *Service) RoomDetail(ctx context.Context, roomID, userID int64) (*models.RoomSummary, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room lookup: %w", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if !lo.ContainsBy(room.Participants, func(u models.User) bool { return u.ID == userID }) {
		return nil, ErrRoomNotFound
	}
	summary := s.roomSummary(ctx, room, userID)
	return &summary, nil
}

func (s *Service) roomSummary(ctx context.Context, room *models.Room, userID int64) models.RoomSummary {
	summary := models.RoomSummary{
		ID:   room.ID,
		Name: room.DisplayName(),
		Participants: lo.Map(room.Participants, func(u models.User, _ int) models.UserSummary {
			return u.Summary()
		}),
		BookingID: room.BookingID,
		CreatedAt: room.CreatedAt,
	}

	last, err := s.store.LastMessage(ctx, room.ID)
	if err != nil {
		serviceLogger.Error("Last message lookup failed", "room_id", room.ID, "error", err)
	} else if last != nil {
		view := s.renderStored(last, room.Participants)
		summary.LastMessage = &view
	}

	unread, err := s.store.CountUnread(ctx, room.ID, userID)
	if err != nil {
		serviceLogger.Error("Unread count failed", "room_id", room.ID, "error", err)
	}
	summary.UnreadCount = unread
	return summary
}

// renderStored builds a MessageView for a stored message, resolving the
// sender from the already-loaded participant set when possible.
func (s *Service) renderStored(msg *models.Message, participants []models.User) models.MessageView {
	view := models.MessageView{
		ID:        msg.ID,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.Format(time.RFC3339),
		RoomID:    msg.RoomID,
		IsRead:    msg.IsRead,
	}
	if msg.SenderID != nil {
		if sender, ok := lo.Find(participants, func(u models.User) bool { return u.ID == *msg.SenderID }); ok {
			sum := sender.Summary()
			view.Sender = &sum
		}
	}
	return view
}

// ListMessages returns the room history oldest first. Callers that are
// not participants of an existing room get an empty result, never an
// error. As a side effect the caller's unread messages are flipped to
// read; the flip runs in the background so listing latency is not
// affected.
func (s *Service) ListMessages(ctx context.Context, roomID, userID int64) ([]models.MessageView, error) {
	if !s.IsParticipant(ctx, roomID, userID) {
		return []models.MessageView{}, nil
	}

	messages, senders, err := s.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	views := make([]models.MessageView, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		view := models.MessageView{
			ID:        msg.ID,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt.Format(time.RFC3339),
			RoomID:    msg.RoomID,
			IsRead:    msg.IsRead,
		}
		if msg.SenderID != nil {
			if sender, ok := senders[*msg.SenderID]; ok {
				sum := sender.Summary()
				view.Sender = &sum
			}
		}
		views = append(views, view)
	}

	// Viewing counts as reading. Detached from the request context so a
	// fast client disconnect cannot cancel the flip.
	go func() {
		flipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		count, err := s.store.MarkMessagesRead(flipCtx, roomID, userID)
		if err != nil {
			serviceLogger.Error("Mark-read after listing failed", "room_id", roomID, "user_id", userID, "error", err)
			return
		}
		if count > 0 {
			serviceLogger.Info("Marked messages read after listing", "room_id", roomID, "user_id", userID, "count", count)
		}
	}()

	return views, nil
}

// PostMessage validates, persists and renders a new message. The view
// it returns is what the broadcast router fans out; the REST path
// ignores it and acknowledges only.
func (s *Service) PostMessage(ctx context.Context, roomID int64, sender *models.User, content string) (*models.MessageView, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	exists, err := s.store.RoomExists(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room lookup: %w", err)
	}
	if !exists {
		return nil, ErrRoomNotFound
	}
	if !s.IsParticipant(ctx, roomID, sender.ID) {
		return nil, ErrNotParticipant
	}

	msg, err := s.store.SaveMessage(ctx, roomID, sender.ID, content)
	if err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	serviceLogger.Info("Message saved", "message_id", msg.ID, "room_id", roomID, "sender_id", sender.ID)

	sum := sender.Summary()
	return &models.MessageView{
		ID:        msg.ID,
		Sender:    &sum,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.Format(time.RFC3339),
		RoomID:    msg.RoomID,
		IsRead:    msg.IsRead,
	}, nil
}

// MarkRead flips every unread message in the room not sent by the
// reader and returns how many rows changed. Idempotent: a second call
// with no new messages returns 0.
func (s *Service) MarkRead(ctx context.Context, roomID, readerID int64) (int64, error) {
	exists, err := s.store.RoomExists(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("room lookup: %w", err)
	}
	if !exists {
		return 0, ErrRoomNotFound
	}
	if !s.IsParticipant(ctx, roomID, readerID) {
		return 0, ErrNotParticipant
	}

	count, err := s.store.MarkMessagesRead(ctx, roomID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	serviceLogger.Info("Marked messages read", "room_id", roomID, "reader_id", readerID, "count", count)
	return count, nil
}
