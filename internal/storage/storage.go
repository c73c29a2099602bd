package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"Seshat/internal/models"
)

// Storage is the postgres-backed store for rooms, participants and
// messages. Users are read-only here; account management lives in the
// identity service that shares the database.
type Storage struct {
	db *sql.DB
}

func NewStorage(connStr string) (*Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         BIGSERIAL PRIMARY KEY,
    email      TEXT NOT NULL UNIQUE,
    first_name TEXT NOT NULL DEFAULT '',
    last_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rooms (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    booking_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rooms_booking ON rooms (booking_id);

CREATE TABLE IF NOT EXISTS room_participants (
    room_id BIGINT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
    user_id BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id         BIGSERIAL PRIMARY KEY,
    room_id    BIGINT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
    sender_id  BIGINT REFERENCES users (id) ON DELETE SET NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_read    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (room_id, is_read);
`

// InitSchema creates the tables and indexes if they do not exist yet.
func (s *Storage) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetUser returns the user with the given id, or nil when no such user
// exists.
func (s *Storage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, first_name, last_name FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsersByIDs returns the users matching the given ids. Unknown ids
// are silently dropped from the result.
func (s *Storage) GetUsersByIDs(ctx context.Context, ids []int64) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, first_name, last_name FROM users WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IsParticipant reports whether the user belongs to the room's
// participant set. A missing room is simply "not a participant".
func (s *Storage) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)",
		roomID, userID,
	).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RoomExists reports whether a room with the given id exists.
func (s *Storage) RoomExists(ctx context.Context, roomID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)", roomID,
	).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// CreateRoom inserts a room together with its participant set in one
// transaction. Participant validation (at least two known users) is the
// caller's job.
func (s *Storage) CreateRoom(ctx context.Context, name string, bookingID *int64, participantIDs []int64) (*models.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	room := &models.Room{Name: name, BookingID: bookingID}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, booking_id) VALUES ($1, $2) RETURNING id, created_at",
		name, bookingID,
	).Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO room_participants (room_id, user_id) SELECT $1, unnest($2::bigint[])",
		room.ID, pq.Array(participantIDs),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, room.ID)
}

// GetRoom returns the room with its participants, or nil when it does
// not exist.
func (s *Storage) GetRoom(ctx context.Context, roomID int64) (*models.Room, error) {
	var room models.Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, booking_id, created_at FROM rooms WHERE id = $1", roomID,
	).Scan(&room.ID, &room.Name, &room.BookingID, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	room.Participants, err = s.roomParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Storage) roomParticipants(ctx context.Context, roomID int64) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.first_name, u.last_name
		FROM room_participants rp
		JOIN users u ON u.id = rp.user_id
		WHERE rp.room_id = $1
		ORDER BY u.id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListRoomsForUser returns every room the user participates in, newest
// first, each with its full participant set.
func (s *Storage) ListRoomsForUser(ctx context.Context, userID int64) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.booking_id, r.created_at
		FROM rooms r
		JOIN room_participants rp ON rp.room_id = r.id
		WHERE rp.user_id = $1
		ORDER BY r.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomList []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.BookingID, &room.CreatedAt); err != nil {
			return nil, err
		}
		roomList = append(roomList, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range roomList {
		var err error
		roomList[i].Participants, err = s.roomParticipants(ctx, roomList[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return roomList, nil
}

// SaveMessage persists a new message and returns it with the
// server-assigned id and timestamp.
func (s *Storage) SaveMessage(ctx context.Context, roomID, senderID int64, content string) (*models.Message, error) {
	msg := &models.Message{RoomID: roomID, SenderID: &senderID, Content: content}
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, sender_id, content) VALUES ($1, $2, $3) RETURNING id, created_at, is_read",
		roomID, senderID, content,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.IsRead)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns every message of the room oldest first together
// with the resolved senders, keyed by user id. Messages whose sender
// was deleted keep a nil SenderID and have no map entry.
func (s *Storage) ListMessages(ctx context.Context, roomID int64) ([]models.Message, map[int64]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.sender_id, m.content, m.created_at, m.is_read,
		       u.id, u.email, u.first_name, u.last_name
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = $1
		ORDER BY m.created_at`, roomID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var messages []models.Message
	senders := make(map[int64]models.User)
	for rows.Next() {
		var m models.Message
		var uid sql.NullInt64
		var email, first, last sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead,
			&uid, &email, &first, &last); err != nil {
			return nil, nil, err
		}
		if uid.Valid {
			senders[uid.Int64] = models.User{
				ID:        uid.Int64,
				Email:     email.String,
				FirstName: first.String,
				LastName:  last.String,
			}
		}
		messages = append(messages, m)
	}
	return messages, senders, rows.Err()
}

// LastMessage returns the most recent message of the room, or nil when
// the room has none.
func (s *Storage) LastMessage(ctx context.Context, roomID int64) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, content, created_at, is_read
		FROM messages WHERE room_id = $1
		ORDER BY created_at DESC LIMIT 1`, roomID,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountUnread returns how many messages in the room are unread and not
// sent by the given user. Sender-less messages count.
func (s *Storage) CountUnread(ctx context.Context, roomID, userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = $1 AND is_read = FALSE
		  AND (sender_id IS NULL OR sender_id <> $2)`, roomID, userID,
	).Scan(&n)
	return n, err
}

// MarkMessagesRead flips every unread message in the room that was not
// sent by the reader to read, in one filtered update, and returns the
// number of rows changed. Sender-less messages are included: there is
// no sender to exclude. Two concurrent callers can never double-count
// the same row.
func (s *Storage) MarkMessagesRead(ctx context.Context, roomID, readerID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE room_id = $1 AND is_read = FALSE
		  AND (sender_id IS NULL OR sender_id <> $2)`, roomID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
