/*
Package store defines the persistence port consumed by the chat core: room
credentials, the append-only message log, per-message reaction maps, and the
per-room pinned message.

Two implementations exist: a PostgreSQL store used in deployments and an
in-memory store used by tests and database-less development.
*/
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Kind classifies a persisted message row.
type Kind string

const (
	KindChat   Kind = "chat"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Durable reports whether messages of this kind are written to the log.
// Everything else on the wire (typing, reactions, pins, presence, ping) is
// transient protocol traffic and never becomes a row.
func (k Kind) Durable() bool {
	return k == KindChat || k == KindFile || k == KindSystem
}

var (
	// ErrRoomNotFound is returned when the referenced room does not exist.
	ErrRoomNotFound = errors.New("store: room not found")

	// ErrRoomExists is returned by CreateRoom for a duplicate room name.
	ErrRoomExists = errors.New("store: room already exists")

	// ErrMessageNotFound is returned when the referenced message id does not exist.
	ErrMessageNotFound = errors.New("store: message not found")
)

// ReactionMap maps an emoji to the set of usernames who reacted with it.
// The zero value is not usable; construct with make or NewReactionMap.
type ReactionMap map[string][]string

// NewReactionMap returns an empty, non-nil reaction map.
func NewReactionMap() ReactionMap {
	return make(ReactionMap)
}

// Add records user's reaction with emoji. Adding a pair that is already present
// is a no-op; the returned bool reports whether the map changed.
func (m ReactionMap) Add(emoji, user string) bool {
	if slices.Contains(m[emoji], user) {
		return false
	}
	m[emoji] = append(m[emoji], user)
	return true
}

// Remove deletes user's reaction with emoji. Removing an absent pair is a
// no-op; the returned bool reports whether the map changed. An emoji whose
// last reactor is removed disappears from the map entirely.
func (m ReactionMap) Remove(emoji, user string) bool {
	users := m[emoji]
	idx := slices.Index(users, user)
	if idx < 0 {
		return false
	}

	users = slices.Delete(users, idx, idx+1)
	if len(users) == 0 {
		delete(m, emoji)
	} else {
		m[emoji] = users
	}
	return true
}

// Clone returns a deep copy of the map.
func (m ReactionMap) Clone() ReactionMap {
	out := make(ReactionMap, len(m))
	for emoji, users := range m {
		out[emoji] = slices.Clone(users)
	}
	return out
}

// Message is one persisted row of the append-only chat log. The id is assigned
// by the store on insert and is monotonic per store.
type Message struct {
	ID        int64
	Room      string
	Author    string
	Kind      Kind
	Body      string
	URL       string
	Filename  string
	Color     string
	ReplyToID *int64
	Reactions ReactionMap
	CreatedAt time.Time
}

// Store is the persistence port. All operations are safe for concurrent use
// and internally serializable per room; callers must not hold chat-core locks
// across these calls since any of them may block.
type Store interface {
	// CreateRoom registers a new room with its shared password.
	// Returns ErrRoomExists on duplicate names.
	CreateRoom(ctx context.Context, name, password string) error

	// DeleteRoom removes the room together with its message log and pin.
	// Returns ErrRoomNotFound if the room does not exist.
	DeleteRoom(ctx context.Context, name string) error

	// ListRooms returns all room names in lexical order. Passwords are never exposed.
	ListRooms(ctx context.Context) ([]string, error)

	// RoomExists reports whether the named room exists.
	RoomExists(ctx context.Context, name string) (bool, error)

	// RoomPassword returns the room's shared password for authentication.
	// Returns ErrRoomNotFound for unknown rooms.
	RoomPassword(ctx context.Context, name string) (string, error)

	// AppendMessage inserts a durable-kind message and returns its assigned id.
	AppendMessage(ctx context.Context, m *Message) (int64, error)

	// RecentMessages returns up to limit most recent messages for the room,
	// ordered oldest first.
	RecentMessages(ctx context.Context, room string, limit int) ([]Message, error)

	// GetMessage returns the message with the given id, or ErrMessageNotFound.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// FileURLs returns the URLs of all file-kind messages in the room, so
	// room deletion can clean up the uploaded objects behind them.
	FileURLs(ctx context.Context, room string) ([]string, error)

	// AddReaction idempotently records a reaction on a message and returns the
	// resulting full reaction map.
	AddReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error)

	// RemoveReaction idempotently removes a reaction from a message and returns
	// the resulting full reaction map.
	RemoveReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error)

	// SetPinned sets (or, with nil, clears) the room's pinned message id.
	SetPinned(ctx context.Context, room string, id *int64) error

	// GetPinned returns the room's pinned message id, or nil when nothing is pinned.
	GetPinned(ctx context.Context, room string) (*int64, error)
}
