/*
Package chat contains the core logic of the relay: the room registry, the
broadcast engine, and the per-connection session protocol.

This file defines the wire vocabulary. Post-handshake traffic is JSON events
with a type discriminator, each wrapped in a cipher envelope; only the join
request, the auth error path, and the key fingerprint hint travel in the clear.
*/
package chat

import (
	"time"

	"relaychat/internal/app/store"
)

// EventType discriminates wire events in both directions.
type EventType string

const (
	// Clear-path types.
	EventJoin           EventType = "join"
	EventError          EventType = "error"
	EventKeyFingerprint EventType = "key_fingerprint"

	// The outer envelope carrying every post-auth event.
	EventCipher EventType = "cipher"

	// Durable kinds; these become rows in the message log.
	EventChat   EventType = "chat"
	EventFile   EventType = "file"
	EventSystem EventType = "system"

	// Transient protocol events, never persisted.
	EventRename         EventType = "rename"
	EventTyping         EventType = "typing"
	EventReaction       EventType = "reaction"
	EventReactionUpdate EventType = "reaction_update"
	EventPin            EventType = "pin"
	EventPinUpdate      EventType = "pin_update"
	EventParticipants   EventType = "participants"
	EventPing           EventType = "ping"
	EventPong           EventType = "pong"
)

// Reaction and pin actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionSet    = "set"
	ActionClear  = "clear"
)

// DefaultColor is the display color used when a client supplies none.
const DefaultColor = "#1a73e8"

// WebSocket close codes, in the 4000-4999 application range.
const (
	CloseProtocolViolation = 4000
	CloseAuthFailure       = 4001
	CloseRoomDeleted       = 4002
	CloseDecryptFailure    = 4003
)

// Envelope is the outer frame wrapping every encrypted event.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload string    `json:"payload"`
}

// JoinRequest is the first (and only clear) client frame of a connection.
type JoinRequest struct {
	Type     EventType `json:"type"`
	Room     string    `json:"room"`
	Username string    `json:"username"`
	Password string    `json:"password"`
	Color    string    `json:"color,omitempty"`
}

// Event is the flat application-level payload used in both directions once a
// session is established. Which fields are meaningful depends on Type.
type Event struct {
	Type      EventType `json:"type"`
	From      string    `json:"from,omitempty"`
	Message   string    `json:"message,omitempty"`
	Color     string    `json:"color,omitempty"`
	ID        int64     `json:"id,omitempty"`
	ReplyToID *int64    `json:"reply_to_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Filename  string    `json:"filename,omitempty"`

	// participants
	Users []string `json:"users,omitempty"`

	// rename
	New string `json:"new,omitempty"`

	// reaction / pin. Reactions is a pointer so a present-but-empty map still
	// serializes as {} after the last reaction is removed.
	MsgID     *int64             `json:"msg_id,omitempty"`
	Emoji     string             `json:"emoji,omitempty"`
	Action    string             `json:"action,omitempty"`
	Reactions *store.ReactionMap `json:"reactions,omitempty"`

	// error
	Code int `json:"code,omitempty"`

	// key_fingerprint
	Fingerprint string `json:"fingerprint,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// durableKind maps a durable event type to its stored kind.
func durableKind(t EventType) (store.Kind, bool) {
	switch t {
	case EventChat:
		return store.KindChat, true
	case EventFile:
		return store.KindFile, true
	case EventSystem:
		return store.KindSystem, true
	default:
		return "", false
	}
}

// wireTimestamp renders a persisted timestamp the way live events are stamped.
func wireTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// systemEvent builds a system notice for the room.
func systemEvent(message string) *Event {
	return &Event{Type: EventSystem, Message: message}
}

// eventFromMessage converts a replayed history row back into its wire shape.
func eventFromMessage(m *store.Message) *Event {
	ev := &Event{
		Type:      EventType(m.Kind),
		ID:        m.ID,
		Timestamp: wireTimestamp(m.CreatedAt),
	}

	if m.Kind == store.KindSystem {
		ev.Message = m.Body
		return ev
	}

	ev.From = m.Author
	ev.Message = m.Body
	ev.URL = m.URL
	ev.Filename = m.Filename
	ev.Color = m.Color
	ev.ReplyToID = m.ReplyToID

	if len(m.Reactions) > 0 {
		reactions := m.Reactions.Clone()
		ev.Reactions = &reactions
	}

	return ev
}

// pinUpdateEvent reflects the given message as the room's current pin.
func pinUpdateEvent(m *store.Message) *Event {
	msgID := m.ID

	color := m.Color
	if color == "" {
		color = DefaultColor
	}

	return &Event{
		Type:      EventPinUpdate,
		MsgID:     &msgID,
		From:      m.Author,
		Message:   m.Body,
		Color:     color,
		Timestamp: wireTimestamp(m.CreatedAt),
	}
}

// pinClearedEvent is the pin-state event for a room with nothing pinned.
// The absent msg_id is what tells clients the pin was cleared.
func pinClearedEvent() *Event {
	return &Event{Type: EventPinUpdate}
}
