package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Seshat/internal/chat"
	"Seshat/internal/models"
)

// fakeStore is an in-memory chat.Store. MarkMessagesRead implements the
// same filtered bulk-update semantics as the SQL store, under a lock,
// so idempotence and concurrency behavior can be asserted without a
// database.
type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]models.User
	rooms    map[int64]*models.Room
	messages []*models.Message
	nextID   int64
	failAll  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[int64]models.User),
		rooms:  make(map[int64]*models.Room),
		nextID: 1,
	}
}

var errStoreDown = errors.New("store unavailable")

func (f *fakeStore) addUser(u models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeStore) addRoom(id int64, participants ...models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range participants {
		f.users[p.ID] = p
	}
	f.rooms[id] = &models.Room{ID: id, Participants: participants, CreatedAt: time.Now()}
}

func (f *fakeStore) addMessage(roomID int64, senderID *int64, content string, read bool) *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &models.Message{
		ID:        f.nextID,
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
		IsRead:    read,
	}
	f.nextID++
	f.messages = append(f.messages, msg)
	return msg
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errStoreDown
	}
	if u, ok := f.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (f *fakeStore) GetUsersByIDs(_ context.Context, ids []int64) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errStoreDown
	}
	var users []models.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (f *fakeStore) IsParticipant(_ context.Context, roomID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errStoreDown
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return false, nil
	}
	for _, p := range room.Participants {
		if p.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RoomExists(_ context.Context, roomID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errStoreDown
	}
	_, ok := f.rooms[roomID]
	return ok, nil
}

func (f *fakeStore) CreateRoom(_ context.Context, name string, bookingID *int64, participantIDs []int64) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := &models.Room{ID: f.nextID, Name: name, BookingID: bookingID, CreatedAt: time.Now()}
	f.nextID++
	for _, id := range participantIDs {
		room.Participants = append(room.Participants, f.users[id])
	}
	f.rooms[room.ID] = room
	return room, nil
}

func (f *fakeStore) GetRoom(_ context.Context, roomID int64) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID], nil
}

func (f *fakeStore) ListRoomsForUser(_ context.Context, userID int64) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []models.Room
	for _, room := range f.rooms {
		for _, p := range room.Participants {
			if p.ID == userID {
				rooms = append(rooms, *room)
				break
			}
		}
	}
	return rooms, nil
}

func (f *fakeStore) SaveMessage(_ context.Context, roomID, senderID int64, content string) (*models.Message, error) {
	f.mu.Lock()
	if f.failAll {
		f.mu.Unlock()
		return nil, errStoreDown
	}
	f.mu.Unlock()
	return f.addMessage(roomID, &senderID, content, false), nil
}

func (f *fakeStore) ListMessages(_ context.Context, roomID int64) ([]models.Message, map[int64]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []models.Message
	senders := make(map[int64]models.User)
	for _, m := range f.messages {
		if m.RoomID != roomID {
			continue
		}
		msgs = append(msgs, *m)
		if m.SenderID != nil {
			if u, ok := f.users[*m.SenderID]; ok {
				senders[u.ID] = u
			}
		}
	}
	return msgs, senders, nil
}

func (f *fakeStore) LastMessage(_ context.Context, roomID int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *models.Message
	for _, m := range f.messages {
		if m.RoomID == roomID {
			last = m
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (f *fakeStore) CountUnread(_ context.Context, roomID, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.messages {
		if m.RoomID == roomID && !m.IsRead && (m.SenderID == nil || *m.SenderID != userID) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, roomID, readerID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errStoreDown
	}
	var n int64
	for _, m := range f.messages {
		if m.RoomID == roomID && !m.IsRead && (m.SenderID == nil || *m.SenderID != readerID) {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func ptr(v int64) *int64 { return &v }

var (
	alice = models.User{ID: 1, Email: "alice@example.com", FirstName: "Alice", LastName: "Archer"}
	bob   = models.User{ID: 2, Email: "bob@example.com", FirstName: "Bob", LastName: "Baker"}
	carol = models.User{ID: 3, Email: "carol@example.com", FirstName: "Carol", LastName: "Cole"}
)

func TestIsParticipant(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	svc := chat.NewService(store)
	ctx := context.Background()

	assert.True(t, svc.IsParticipant(ctx, 7, alice.ID))
	assert.True(t, svc.IsParticipant(ctx, 7, bob.ID))
	assert.False(t, svc.IsParticipant(ctx, 7, carol.ID), "non-participant must be rejected")
	assert.False(t, svc.IsParticipant(ctx, 99, alice.ID), "nonexistent room must look identical to no permission")
}

func TestIsParticipantFailsClosed(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.failAll = true
	svc := chat.NewService(store)

	assert.False(t, svc.IsParticipant(context.Background(), 7, alice.ID),
		"store errors must read as no permission")
}

func TestMarkRead(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addMessage(7, ptr(alice.ID), "from alice", false)
	store.addMessage(7, ptr(bob.ID), "from bob", false)
	store.addMessage(7, nil, "from deleted account", false)
	svc := chat.NewService(store)
	ctx := context.Background()

	count, err := svc.MarkRead(ctx, 7, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "alice's message and the sender-less one flip")

	for _, m := range store.messages {
		if m.SenderID != nil && *m.SenderID == bob.ID {
			assert.False(t, m.IsRead, "the reader's own messages are never flipped")
		} else {
			assert.True(t, m.IsRead)
		}
	}

	count, err = svc.MarkRead(ctx, 7, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "second call with no new messages returns 0")
}

func TestMarkReadErrors(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	svc := chat.NewService(store)
	ctx := context.Background()

	_, err := svc.MarkRead(ctx, 99, alice.ID)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)

	_, err = svc.MarkRead(ctx, 7, carol.ID)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestPostMessage(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	svc := chat.NewService(store)
	ctx := context.Background()

	view, err := svc.PostMessage(ctx, 7, &alice, "hi")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "hi", view.Content)
	assert.Equal(t, int64(7), view.RoomID)
	require.NotNil(t, view.Sender)
	assert.Equal(t, alice.ID, view.Sender.ID)
	assert.Equal(t, alice.Email, view.Sender.Email)
	assert.False(t, view.IsRead)
	_, err = time.Parse(time.RFC3339, view.Timestamp)
	assert.NoError(t, err, "timestamp must be ISO-8601")
}

func TestPostMessageValidation(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	svc := chat.NewService(store)
	ctx := context.Background()

	_, err := svc.PostMessage(ctx, 7, &alice, "")
	assert.ErrorIs(t, err, chat.ErrEmptyContent)

	_, err = svc.PostMessage(ctx, 99, &alice, "hi")
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)

	_, err = svc.PostMessage(ctx, 7, &carol, "hi")
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	assert.Empty(t, store.messages, "no failed attempt may persist anything")
}

func TestPostMessageLongContent(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	svc := chat.NewService(store)

	content := strings.Repeat("a", 2000)
	view, err := svc.PostMessage(context.Background(), 7, &alice, content)
	require.NoError(t, err, "content length is not capped")
	assert.Equal(t, content, view.Content)
	require.Len(t, store.messages, 1)
	assert.Equal(t, content, store.messages[0].Content)
}

func TestCreateRoomRequiresTwoParticipants(t *testing.T) {
	store := newFakeStore()
	store.addUser(alice)
	store.addUser(bob)
	svc := chat.NewService(store)
	ctx := context.Background()

	_, err := svc.CreateRoom(ctx, alice.ID, chat.CreateRoomParams{})
	assert.ErrorIs(t, err, chat.ErrTooFewParticipants, "creator alone is not enough")

	_, err = svc.CreateRoom(ctx, alice.ID, chat.CreateRoomParams{ParticipantIDs: []int64{alice.ID}})
	assert.ErrorIs(t, err, chat.ErrTooFewParticipants, "duplicate of the creator does not count twice")

	_, err = svc.CreateRoom(ctx, alice.ID, chat.CreateRoomParams{ParticipantIDs: []int64{77}})
	assert.ErrorIs(t, err, chat.ErrTooFewParticipants, "unknown ids are dropped before the count")

	summary, err := svc.CreateRoom(ctx, alice.ID, chat.CreateRoomParams{ParticipantIDs: []int64{bob.ID}})
	require.NoError(t, err)
	assert.Len(t, summary.Participants, 2, "creator is added automatically")
}

func TestListMessagesNonParticipant(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	store.addMessage(7, ptr(alice.ID), "hi", false)
	svc := chat.NewService(store)
	ctx := context.Background()

	views, err := svc.ListMessages(ctx, 7, carol.ID)
	require.NoError(t, err)
	assert.Empty(t, views, "non-participant gets an empty result, not an error")

	views, err = svc.ListMessages(ctx, 99, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, views, "unknown room gets an empty result, not an error")
}

func TestListMessagesMarksReadAsSideEffect(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	msg := store.addMessage(7, ptr(alice.ID), "hi", false)
	svc := chat.NewService(store)

	views, err := svc.ListMessages(context.Background(), 7, bob.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "hi", views[0].Content)
	require.NotNil(t, views[0].Sender)
	assert.Equal(t, alice.ID, views[0].Sender.ID)

	// The flip runs in the background.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return msg.IsRead
	}, time.Second, 10*time.Millisecond, "listing must flip the other sender's message to read")
}

func TestListRooms(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addMessage(7, ptr(alice.ID), "first", true)
	store.addMessage(7, ptr(alice.ID), "second", false)
	svc := chat.NewService(store)

	summaries, err := svc.ListRooms(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	room := summaries[0]
	assert.Equal(t, int64(7), room.ID)
	assert.Len(t, room.Participants, 2)
	assert.Equal(t, "Chat between alice@example.com, bob@example.com", room.Name)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "second", room.LastMessage.Content)
	assert.Equal(t, int64(1), room.UnreadCount)

	summaries, err = svc.ListRooms(context.Background(), carol.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRoomDetail(t *testing.T) {
	store := newFakeStore()
	store.addRoom(7, alice, bob)
	store.addUser(carol)
	store.addMessage(7, ptr(alice.ID), "hi", false)
	svc := chat.NewService(store)
	ctx := context.Background()

	summary, err := svc.RoomDetail(ctx, 7, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), summary.ID)
	assert.Len(t, summary.Participants, 2)
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, "hi", summary.LastMessage.Content)
	assert.Equal(t, int64(1), summary.UnreadCount)

	_, err = svc.RoomDetail(ctx, 99, alice.ID)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)

	_, err = svc.RoomDetail(ctx, 7, carol.ID)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound, "foreign room must look identical to a missing one")
}

func TestRoomDisplayName(t *testing.T) {
	booking := int64(42)
	room := models.Room{ID: 5, BookingID: &booking, Participants: []models.User{alice}}
	assert.Equal(t, "Chat for Booking 42", room.DisplayName())

	room.BookingID = nil
	assert.Equal(t, "Chat between alice@example.com", room.DisplayName())

	room.Participants = nil
	room.Name = "support"
	assert.Equal(t, "support", room.DisplayName())

	room.Name = ""
	assert.Equal(t, "ChatRoom 5", room.DisplayName())
}
