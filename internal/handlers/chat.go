package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"Seshat/internal/auth"
	"Seshat/internal/chat"
	"Seshat/internal/models"
	wsHub "Seshat/internal/websocket"
)

var chatLogger = slog.With("component", "chat")

// ChatService is the service surface the handlers depend on.
// *chat.Service implements it; tests substitute a fake.
type ChatService interface {
	IsParticipant(ctx context.Context, roomID, userID int64) bool
	ResolveUser(ctx context.Context, userID int64) (*models.User, error)
	CreateRoom(ctx context.Context, creatorID int64, params chat.CreateRoomParams) (*models.RoomSummary, error)
	ListRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error)
	RoomDetail(ctx context.Context, roomID, userID int64) (*models.RoomSummary, error)
	ListMessages(ctx context.Context, roomID, userID int64) ([]models.MessageView, error)
	PostMessage(ctx context.Context, roomID int64, sender *models.User, content string) (*models.MessageView, error)
	MarkRead(ctx context.Context, roomID, readerID int64) (int64, error)
}

// Options tunes the websocket side of the handler.
type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	MaxMessageSize int64
}

type ChatHandler struct {
	Hub     *wsHub.Hub
	Service ChatService
	Auth    *auth.Authenticator

	opts     Options
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func NewChatHandler(hub *wsHub.Hub, service ChatService, authn *auth.Authenticator, opts Options) *ChatHandler {
	h := &ChatHandler{
		Hub:      hub,
		Service:  service,
		Auth:     authn,
		opts:     opts,
		validate: validator.New(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the configured origins. An empty
// allow-list accepts everything.
func (ch *ChatHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(ch.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range ch.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Routes registers every endpoint on the mux.
func (ch *ChatHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat/{room_id}", ch.ServeWS)
	mux.HandleFunc("GET /api/chat/rooms", ch.withUser(ch.listRooms))
	mux.HandleFunc("GET /api/chat/rooms/{room_id}", ch.withUser(ch.getRoom))
	mux.HandleFunc("POST /api/chat/rooms", ch.withUser(ch.createRoom))
	mux.HandleFunc("GET /api/chat/messages", ch.withUser(ch.listMessages))
	mux.HandleFunc("POST /api/chat/messages", ch.withUser(ch.createMessage))
	mux.HandleFunc("POST /api/chat/messages/mark_read", ch.withUser(ch.markRead))
	mux.HandleFunc("GET /health", HealthHandler)
}

// withUser authenticates the bearer token and resolves the caller's
// identity before invoking the endpoint.
func (ch *ChatHandler) withUser(next func(http.ResponseWriter, *http.Request, *models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := ch.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r, user)
	}
}

// authenticate resolves the caller or writes a 401 and returns false.
func (ch *ChatHandler) authenticate(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	userID, err := ch.Auth.UserID(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	user, err := ch.Service.ResolveUser(r.Context(), userID)
	if err != nil {
		chatLogger.Error("Identity lookup failed", "user_id", userID, "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unknown user")
		return nil, false
	}
	return user, true
}

// ServeWS runs the Connecting phase of a live session: authenticate,
// parse the room id, check membership, upgrade, register. Any failure
// refuses the connection before the session is registered anywhere.
func (ch *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, ok := ch.authenticate(w, r)
	if !ok {
		return
	}

	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	// A missing room and a foreign room answer the same way: room
	// existence is not leaked to non-participants.
	if !ch.Service.IsParticipant(r.Context(), roomID, user.ID) {
		writeError(w, http.StatusForbidden, "You do not have permission to access this chat room.")
		return
	}

	conn, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		chatLogger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := wsHub.NewClient(ch.Hub, conn, ch.Service, *user, roomID, ch.opts.SendBuffer, ch.opts.MaxMessageSize)
	ch.Hub.Join(roomID, client)

	chatLogger.Info("WebSocket connected", "user_id", user.ID, "email", user.Email, "room_id", roomID, "session_id", client.ID)

	go client.WritePump()
	go client.ReadPump()
}

func (ch *ChatHandler) listRooms(w http.ResponseWriter, r *http.Request, user *models.User) {
	rooms, err := ch.Service.ListRooms(r.Context(), user.ID)
	if err != nil {
		chatLogger.Error("Room listing failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list chat rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// getRoom answers the caller's summary of one room. A malformed id, a
// missing room and a room the caller does not belong to all answer 404.
func (ch *ChatHandler) getRoom(w http.ResponseWriter, r *http.Request, user *models.User) {
	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	summary, err := ch.Service.RoomDetail(r.Context(), roomID, user.ID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		chatLogger.Error("Room lookup failed", "room_id", roomID, "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load chat room")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type createRoomRequest struct {
	Name           string  `json:"name"`
	BookingID      *int64  `json:"booking"`
	ParticipantIDs []int64 `json:"participant_ids" validate:"dive,gt=0"`
}

func (ch *ChatHandler) createRoom(w http.ResponseWriter, r *http.Request, user *models.User) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := ch.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid participant ids")
		return
	}

	summary, err := ch.Service.CreateRoom(r.Context(), user.ID, chat.CreateRoomParams{
		Name:           req.Name,
		BookingID:      req.BookingID,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		if errors.Is(err, chat.ErrTooFewParticipants) {
			writeError(w, http.StatusBadRequest, "A chat room requires at least two participants.")
			return
		}
		chatLogger.Error("Room creation failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create chat room")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// listMessages mirrors the deliberately forgiving listing contract: a
// missing or malformed room parameter, an unknown room and a room the
// caller does not belong to all answer an empty list, not an error.
func (ch *ChatHandler) listMessages(w http.ResponseWriter, r *http.Request, user *models.User) {
	roomID, err := strconv.ParseInt(r.URL.Query().Get("room"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusOK, []models.MessageView{})
		return
	}

	views, err := ch.Service.ListMessages(r.Context(), roomID, user.ID)
	if err != nil {
		chatLogger.Error("Message listing failed", "room_id", roomID, "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type createMessageRequest struct {
	RoomID  int64  `json:"room" validate:"required,gt=0"`
	Content string `json:"content" validate:"required"`
}

func (ch *ChatHandler) createMessage(w http.ResponseWriter, r *http.Request, user *models.User) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := ch.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Room ID and content are required")
		return
	}

	_, err := ch.Service.PostMessage(r.Context(), req.RoomID, user, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("ChatRoom with ID %d does not exist.", req.RoomID))
		case errors.Is(err, chat.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "You do not have permission to access this chat room.")
		case errors.Is(err, chat.ErrEmptyContent):
			writeError(w, http.StatusBadRequest, "Message content cannot be empty.")
		default:
			chatLogger.Error("Message creation failed", "room_id", req.RoomID, "user_id", user.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to save message.")
		}
		return
	}

	// The created message body is deliberately not returned; clients
	// render their own message from the broadcast.
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Message sent successfully."})
}

func (ch *ChatHandler) markRead(w http.ResponseWriter, r *http.Request, user *models.User) {
	roomParam := r.URL.Query().Get("room")
	if roomParam == "" {
		writeError(w, http.StatusBadRequest, "Room ID is required")
		return
	}
	roomID, err := strconv.ParseInt(roomParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid room ID format")
		return
	}

	count, err := ch.Service.MarkRead(r.Context(), roomID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, "Chat room not found")
		case errors.Is(err, chat.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "You are not a participant in this chat room")
		default:
			chatLogger.Error("Mark-read failed", "room_id", roomID, "user_id", user.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to mark messages as read")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "marked_count": count})
}

// HealthHandler reports service liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "seshat-chat",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		chatLogger.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
