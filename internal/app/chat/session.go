/*
Package chat contains the core logic of the relay.

This file defines the Session, the per-connection protocol state machine. A
session moves through Connecting, Authenticating, Replaying, Active, and Closed:
the first frame must be a clear join request; authentication consults the
persistence port; on success the client receives the key fingerprint, the
recent history and pin state, and is registered for live traffic. Everything
after the handshake travels inside cipher envelopes.
*/
package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relaychat/internal/app/store"
	"relaychat/internal/pkg/envelope"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum time allowed for the client to present its join request.
	joinWait = 30 * time.Second

	// maximum allowed size (in bytes) of a message sent by the client.
	maxMessageSize = 8192

	// capacity of a session's outbound frame queue.
	sendQueueSize = 512
)

// SessionDeps bundles the collaborators every session needs.
type SessionDeps struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Store       store.Store
	Cipher      *envelope.Cipher

	// HistoryLimit is the page size of the join-time history replay.
	HistoryLimit int
}

// Session owns one live WebSocket connection. The registry only ever holds a
// weak reference to it; the connection itself is touched exclusively by the
// session's two goroutines (the read loop and the write pump).
type Session struct {
	conn *websocket.Conn
	deps SessionDeps

	// Set during the handshake; name and color are mutated only by the read
	// loop afterwards (rename and chat color updates).
	room  string
	name  string
	color string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeMsg  []byte

	writerStarted bool
	writerDone    chan struct{}

	logger zerolog.Logger
}

// NewSession wraps an accepted WebSocket connection in a new Session.
// The caller must invoke Run to drive it.
func NewSession(conn *websocket.Conn, deps SessionDeps) *Session {
	return &Session{
		conn:       conn,
		deps:       deps,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger: logx.Logger().With().
			Str("component", "session").
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Run drives the session through its full lifecycle and returns once the
// connection is closed and the departure cleanup has completed. Cancelling ctx
// closes the session promptly.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	stop := context.AfterFunc(ctx, func() {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	if !s.handshake(ctx) {
		return
	}

	// The handshake writes to the connection directly; from here on the write
	// pump is the only writer of data frames.
	s.writerStarted = true
	go s.writePump()

	s.replay(ctx)

	s.deps.Registry.Register(s.room, s, s.name)
	s.deps.Broadcaster.Broadcast(ctx, s.room, systemEvent(fmt.Sprintf("%s entered", s.name)))
	s.deps.Broadcaster.BroadcastParticipants(ctx, s.room)

	s.readLoop(ctx)
}

// Kick force-closes the session with the given close code, without waiting for
// a natural disconnect. Safe to call from any goroutine, any number of times.
func (s *Session) Kick(closeCode int, reason string) {
	s.closeWith(closeCode, reason)
}

// Close shuts the session down with a normal closure code.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith records the close frame to send and signals both pumps to stop.
// Only the first caller wins; later calls are no-ops, so a read error racing
// an external shutdown still tears the session down exactly once.
func (s *Session) closeWith(closeCode int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMsg = websocket.FormatCloseMessage(closeCode, reason)
		close(s.done)
	})
}

// cleanup runs exactly once when Run returns. It stops the write pump, closes
// the connection, and, if this session was still a registered member,
// announces the departure and the refreshed presence snapshot.
func (s *Session) cleanup() {
	// Leave the registry before tearing the pumps down, so an in-flight
	// fan-out cannot observe a closing session and drop it as undeliverable
	// (which would swallow the departure notice below).
	name, removed := s.deps.Registry.Unregister(s.room, s)

	s.Close()

	if s.writerStarted {
		select {
		case <-s.writerDone:
		case <-time.After(writeWait):
		}
	}

	s.conn.Close()

	if !removed {
		return
	}

	// The request context is gone by now; departure notices use their own.
	ctx := context.Background()
	s.deps.Broadcaster.Broadcast(ctx, s.room, systemEvent(fmt.Sprintf("%s left", name)))
	s.deps.Broadcaster.BroadcastParticipants(ctx, s.room)
}

// handshake performs the Connecting and Authenticating states: it reads the
// clear join request, validates the room credential, and sends the key
// fingerprint. It returns false if the session must close.
func (s *Session) handshake(ctx context.Context) bool {
	s.conn.SetReadLimit(maxMessageSize)

	if err := s.conn.SetReadDeadline(time.Now().Add(joinWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set join deadline")
		return false
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Info().Err(err).Msg("Connection closed before join request.")
		return false
	}

	var join JoinRequest
	if err := json.Unmarshal(raw, &join); err != nil || join.Type != EventJoin {
		s.logger.Warn().Msg("First frame was not a valid join request.")
		s.reject(CloseProtocolViolation, "join required")
		return false
	}

	expected, err := s.deps.Store.RoomPassword(ctx, join.Room)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		s.writeClearError(errs.ErrRoomNotFound)
		s.reject(CloseAuthFailure, "room not found")
		return false
	case err != nil:
		s.logger.Error().Err(err).Str("room", join.Room).Msg("Credential lookup failed.")
		s.writeClearError(errs.ErrPersistenceFailed)
		s.reject(CloseAuthFailure, "authentication unavailable")
		return false
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(join.Password)) != 1 {
		s.writeClearError(errs.ErrWrongPassword)
		s.reject(CloseAuthFailure, "wrong password")
		return false
	}

	s.room = join.Room
	s.name = join.Username
	if s.name == "" {
		s.name = "anon"
	}
	s.color = join.Color
	if s.color == "" {
		s.color = DefaultColor
	}

	s.logger = s.logger.With().
		Str("room", s.room).
		Str("name", s.name).
		Logger()

	// The fingerprint lets the client verify it shares the transport secret
	// without the secret ever crossing the wire.
	if err := s.writeClearJSON(Event{Type: EventKeyFingerprint, Fingerprint: s.deps.Cipher.Fingerprint()}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send key fingerprint.")
		return false
	}

	return true
}

// replay queues the Replaying-state traffic: the most recent history page in
// timestamp-ascending order, then the current pin state if one is set. Each
// event is individually enveloped. Replay failures degrade to an empty history
// rather than closing the session.
func (s *Session) replay(ctx context.Context) {
	messages, err := s.deps.Store.RecentMessages(ctx, s.room, s.deps.HistoryLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("History replay unavailable.")
	}
	for i := range messages {
		if !s.queueEvent(eventFromMessage(&messages[i])) {
			return
		}
	}

	pinnedID, err := s.deps.Store.GetPinned(ctx, s.room)
	if err != nil || pinnedID == nil {
		if err != nil {
			s.logger.Error().Err(err).Msg("Pin state unavailable.")
		}
		return
	}

	pinned, err := s.deps.Store.GetMessage(ctx, *pinnedID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("msg_id", *pinnedID).Msg("Pinned message missing from log.")
		return
	}
	s.queueEvent(pinUpdateEvent(pinned))
}

// readLoop is the Active state: it decrypts and dispatches inbound events
// until the connection drops or a frame fails to authenticate.
func (s *Session) readLoop(ctx context.Context) {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info().Err(err).Msg("Read loop ended.")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != EventCipher {
			s.failDecrypt()
			return
		}

		var ev Event
		if err := s.deps.Cipher.Open(env.Payload, &ev); err != nil {
			s.failDecrypt()
			return
		}

		s.dispatch(ctx, &ev)
	}
}

// failDecrypt handles an inbound frame that could not be opened: one error
// event, then close. The failure is fatal for the connection; there is no
// resynchronization.
func (s *Session) failDecrypt() {
	s.logger.Warn().Msg("Inbound frame failed decryption; closing session.")

	failure := errs.NewError(errs.ErrDecryptFailed)
	s.queueEvent(&Event{Type: EventError, Code: failure.Code, Message: failure.Message})
	s.closeWith(CloseDecryptFailure, "decryption failed")
}

// dispatch routes one decrypted inbound event. Unrecognized types are ignored
// so older servers stay compatible with newer clients.
func (s *Session) dispatch(ctx context.Context, ev *Event) {
	switch ev.Type {
	case EventChat:
		s.handleChat(ctx, ev)

	case EventRename:
		s.handleRename(ctx, ev)

	case EventTyping:
		s.deps.Broadcaster.Broadcast(ctx, s.room, &Event{Type: EventTyping, From: s.name})

	case EventReaction:
		s.handleReaction(ctx, ev)

	case EventPin:
		s.handlePin(ctx, ev)

	case EventPing:
		// Pong goes to the sender only, never through the broadcaster.
		s.queueEvent(&Event{Type: EventPong})

	default:
		s.logger.Debug().Str("event_type", string(ev.Type)).Msg("Ignoring unsupported event type.")
	}
}

func (s *Session) handleChat(ctx context.Context, ev *Event) {
	// The client's most recent color hint wins and sticks for later messages.
	if ev.Color != "" {
		s.color = ev.Color
	}

	s.deps.Broadcaster.Broadcast(ctx, s.room, &Event{
		Type:      EventChat,
		From:      s.name,
		Message:   ev.Message,
		Color:     s.color,
		ReplyToID: ev.ReplyToID,
	})
}

func (s *Session) handleRename(ctx context.Context, ev *Event) {
	newName := strings.TrimSpace(ev.New)
	if newName == "" || newName == s.name {
		return
	}

	oldName := s.name
	s.name = newName
	s.deps.Registry.Rename(s.room, s, newName)

	s.deps.Broadcaster.Broadcast(ctx, s.room, systemEvent(fmt.Sprintf("%s is now known as %s", oldName, newName)))
	s.deps.Broadcaster.BroadcastParticipants(ctx, s.room)
}

func (s *Session) handleReaction(ctx context.Context, ev *Event) {
	if ev.MsgID == nil || ev.Emoji == "" {
		return
	}

	var (
		reactions store.ReactionMap
		err       error
	)
	if ev.Action == ActionAdd {
		reactions, err = s.deps.Store.AddReaction(ctx, *ev.MsgID, ev.Emoji, s.name)
	} else {
		reactions, err = s.deps.Store.RemoveReaction(ctx, *ev.MsgID, ev.Emoji, s.name)
	}
	if err != nil {
		s.logger.Warn().Err(err).Int64("msg_id", *ev.MsgID).Msg("Reaction update failed.")
		return
	}

	s.deps.Broadcaster.Broadcast(ctx, s.room, &Event{
		Type:      EventReactionUpdate,
		MsgID:     ev.MsgID,
		Reactions: &reactions,
	})
}

func (s *Session) handlePin(ctx context.Context, ev *Event) {
	switch ev.Action {
	case ActionSet:
		if ev.MsgID == nil {
			return
		}
		if err := s.deps.Store.SetPinned(ctx, s.room, ev.MsgID); err != nil {
			s.logger.Warn().Err(err).Int64("msg_id", *ev.MsgID).Msg("Pin set failed.")
			return
		}
		pinned, err := s.deps.Store.GetMessage(ctx, *ev.MsgID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("msg_id", *ev.MsgID).Msg("Pinned message lookup failed.")
			return
		}
		s.deps.Broadcaster.Broadcast(ctx, s.room, pinUpdateEvent(pinned))

	case ActionClear:
		if err := s.deps.Store.SetPinned(ctx, s.room, nil); err != nil {
			s.logger.Warn().Err(err).Msg("Pin clear failed.")
			return
		}
		s.deps.Broadcaster.Broadcast(ctx, s.room, pinClearedEvent())
	}
}

// writePump is the sole writer of data frames after the handshake. It drains
// the outbound queue, keeps the heartbeat alive, and on shutdown flushes
// whatever is still queued before sending the close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.writeFrame(frame) {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Error writing ping")
				return
			}

		case <-s.done:
			for {
				select {
				case frame := <-s.send:
					if !s.writeFrame(frame) {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.CloseMessage, s.closeMsg); err != nil {
						s.logger.Debug().Err(err).Msg("Error writing close message")
					}
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Debug().Err(err).Msg("Error writing message")
		return false
	}
	return true
}

// enqueue offers a frame to the outbound queue without blocking. Broadcast
// fan-out uses it; a false return marks this session as undeliverable.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// queueEvent seals an event for this session and queues it, waiting for space
// if needed. Only the session's own goroutine calls it (replay, pong, errors),
// so blocking here never stalls another connection's fan-out.
func (s *Session) queueEvent(ev *Event) bool {
	token, err := s.deps.Cipher.Seal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to seal event.")
		return false
	}

	frame, err := json.Marshal(Envelope{Type: EventCipher, Payload: token})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal envelope.")
		return false
	}

	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	}
}

// writeClearJSON writes a frame outside the cipher envelope. Only the
// handshake path uses it, before the write pump exists.
func (s *Session) writeClearJSON(v any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// writeClearError reports a handshake failure to the client in the clear.
func (s *Session) writeClearError(code int) {
	failure := errs.NewError(code)
	if err := s.writeClearJSON(Event{Type: EventError, Code: failure.Code, Message: failure.Message}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write clear error.")
	}
}

// reject sends a close frame directly; used before the write pump starts.
func (s *Session) reject(closeCode int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(closeCode, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write close frame.")
	}
	s.closeWith(closeCode, reason)
}
