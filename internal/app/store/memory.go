package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation backing the test suites.
// All operations are guarded by one mutex; the data volumes involved never
// justify anything finer.
type MemoryStore struct {
	mu        sync.Mutex
	rooms     map[string]*memRoom
	messages  map[int64]*Message
	nextID    int64
	appendErr error
}

type memRoom struct {
	password string
	pinned   *int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*memRoom),
		messages: make(map[int64]*Message),
	}
}

// FailAppends makes subsequent AppendMessage calls return err (nil restores
// normal operation). Used by tests exercising the best-effort delivery path.
func (s *MemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

func (s *MemoryStore) CreateRoom(ctx context.Context, name, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[name]; ok {
		return ErrRoomExists
	}
	s.rooms[name] = &memRoom{password: password}
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, name)

	for id, m := range s.messages {
		if m.Room == name {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListRooms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) RoomExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[name]
	return ok, nil
}

func (s *MemoryStore) RoomPassword(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[name]
	if !ok {
		return "", ErrRoomNotFound
	}
	return room.password, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return 0, s.appendErr
	}

	s.nextID++

	stored := *m
	stored.ID = s.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Reactions == nil {
		stored.Reactions = NewReactionMap()
	} else {
		stored.Reactions = stored.Reactions.Clone()
	}

	s.messages[stored.ID] = &stored
	return stored.ID, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Message
	for _, m := range s.messages {
		if m.Room == room {
			rows = append(rows, s.snapshot(m))
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	snap := s.snapshot(m)
	return &snap, nil
}

func (s *MemoryStore) FileURLs(ctx context.Context, room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var urls []string
	for _, m := range s.messages {
		if m.Room == room && m.Kind == KindFile && m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *MemoryStore) AddReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	m.Reactions.Add(emoji, user)
	return m.Reactions.Clone(), nil
}

func (s *MemoryStore) RemoveReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	m.Reactions.Remove(emoji, user)
	return m.Reactions.Clone(), nil
}

func (s *MemoryStore) SetPinned(ctx context.Context, room string, id *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return ErrRoomNotFound
	}

	if id == nil {
		r.pinned = nil
		return nil
	}

	if _, ok := s.messages[*id]; !ok {
		return ErrMessageNotFound
	}
	pinned := *id
	r.pinned = &pinned
	return nil
}

func (s *MemoryStore) GetPinned(ctx context.Context, room string) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.pinned == nil {
		return nil, nil
	}
	pinned := *r.pinned
	return &pinned, nil
}

// snapshot copies a row so callers never alias store-owned state.
func (s *MemoryStore) snapshot(m *Message) Message {
	out := *m
	out.Reactions = m.Reactions.Clone()
	if m.ReplyToID != nil {
		replyTo := *m.ReplyToID
		out.ReplyToID = &replyTo
	}
	return out
}
