package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/app/store"
	"relaychat/internal/pkg/envelope"
	"relaychat/internal/pkg/errs"
)

const testReadTimeout = 3 * time.Second

type chatFixture struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	registry *Registry
	cipher   *envelope.Cipher
}

// newChatFixture spins up a WebSocket endpoint that runs a real Session per
// connection, backed by the in-memory store.
func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	cipher, err := envelope.New("session test secret")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, st, cipher)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewSession(conn, SessionDeps{
			Registry:     registry,
			Broadcaster:  broadcaster,
			Store:        st,
			Cipher:       cipher,
			HistoryLimit: 50,
		})
		s.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	return &chatFixture{srv: srv, store: st, registry: registry, cipher: cipher}
}

func (f *chatFixture) createRoom(t *testing.T, name, password string) {
	t.Helper()
	require.NoError(t, f.store.CreateRoom(context.Background(), name, password))
}

func (f *chatFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join performs the clear handshake and returns once the key fingerprint has
// arrived.
func (f *chatFixture) join(t *testing.T, conn *websocket.Conn, room, user, password string) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(JoinRequest{
		Type:     EventJoin,
		Room:     room,
		Username: user,
		Password: password,
	}))

	hello := f.readClear(t, conn)
	require.Equal(t, EventKeyFingerprint, hello.Type)
	require.Equal(t, f.cipher.Fingerprint(), hello.Fingerprint)
}

func (f *chatFixture) readClear(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func (f *chatFixture) readSealed(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, EventCipher, env.Type)

	var ev Event
	require.NoError(t, f.cipher.Open(env.Payload, &ev))
	return ev
}

func (f *chatFixture) sendSealed(t *testing.T, conn *websocket.Conn, ev *Event) {
	t.Helper()

	token, err := f.cipher.Seal(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Type: EventCipher, Payload: token}))
}

// awaitType reads sealed events until one of the wanted type arrives,
// discarding everything else.
func (f *chatFixture) awaitType(t *testing.T, conn *websocket.Conn, want EventType) Event {
	t.Helper()

	for i := 0; i < 50; i++ {
		ev := f.readSealed(t, conn)
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("no %q event arrived", want)
	return Event{}
}

// awaitClose reads until the peer closes the connection and asserts the close code.
func (f *chatFixture) awaitClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, code, closeErr.Code)
			return
		}
	}
}

func TestJoinEmptyRoom(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")

	// Nothing to replay, so the first sealed traffic is the join announcement.
	entered := f.readSealed(t, conn)
	assert.Equal(t, EventSystem, entered.Type)
	assert.Equal(t, "ann entered", entered.Message)
	assert.NotZero(t, entered.ID, "the announcement is already a durable row")

	participants := f.readSealed(t, conn)
	assert.Equal(t, EventParticipants, participants.Type)
	assert.Equal(t, []string{"ann"}, participants.Users)
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newChatFixture(t)

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(JoinRequest{Type: EventJoin, Room: "ghost", Password: ""}))

	failure := f.readClear(t, conn)
	assert.Equal(t, EventError, failure.Type)
	assert.Equal(t, errs.ErrRoomNotFound, failure.Code)

	f.awaitClose(t, conn, CloseAuthFailure)
}

func TestJoinWrongPassword(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "vault", "hunter2")

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(JoinRequest{Type: EventJoin, Room: "vault", Username: "ann", Password: "nope"}))

	failure := f.readClear(t, conn)
	assert.Equal(t, EventError, failure.Type)
	assert.Equal(t, errs.ErrWrongPassword, failure.Code)

	f.awaitClose(t, conn, CloseAuthFailure)
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	f := newChatFixture(t)

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(Envelope{Type: EventChat, Payload: "hi"}))

	f.awaitClose(t, conn, CloseProtocolViolation)
}

func TestChatBroadcastAndHistoryReplay(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	ann := f.dial(t)
	f.join(t, ann, "lobby", "ann", "")
	f.awaitType(t, ann, EventParticipants)

	f.sendSealed(t, ann, &Event{Type: EventChat, Message: "hello there"})

	echoed := f.awaitType(t, ann, EventChat)
	assert.Equal(t, "ann", echoed.From)
	assert.Equal(t, "hello there", echoed.Message)
	assert.Equal(t, DefaultColor, echoed.Color)
	assert.NotZero(t, echoed.ID)
	assert.NotEmpty(t, echoed.Timestamp)

	// A later joiner replays the log in order: the join announcement first,
	// then the chat message, under the same id the live room saw.
	bob := f.dial(t)
	f.join(t, bob, "lobby", "bob", "")

	replayedSystem := f.readSealed(t, bob)
	assert.Equal(t, EventSystem, replayedSystem.Type)
	assert.Equal(t, "ann entered", replayedSystem.Message)

	replayedChat := f.readSealed(t, bob)
	assert.Equal(t, EventChat, replayedChat.Type)
	assert.Equal(t, "hello there", replayedChat.Message)
	assert.Equal(t, echoed.ID, replayedChat.ID)

	// Replay is followed by bob's own join announcement, which ann also sees.
	bobEntered := f.awaitType(t, bob, EventParticipants)
	assert.Equal(t, []string{"ann", "bob"}, bobEntered.Users)

	annSees := f.awaitType(t, ann, EventParticipants)
	assert.Equal(t, []string{"ann", "bob"}, annSees.Users)
}

func TestChatColorSticks(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	f.sendSealed(t, conn, &Event{Type: EventChat, Message: "first", Color: "#ff0000"})
	first := f.awaitType(t, conn, EventChat)
	assert.Equal(t, "#ff0000", first.Color)

	f.sendSealed(t, conn, &Event{Type: EventChat, Message: "second"})
	second := f.awaitType(t, conn, EventChat)
	assert.Equal(t, "#ff0000", second.Color, "the last supplied color is reused")
}

func TestReactionRoundTrip(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	ann := f.dial(t)
	f.join(t, ann, "lobby", "ann", "")
	f.awaitType(t, ann, EventParticipants)

	f.sendSealed(t, ann, &Event{Type: EventChat, Message: "react to me"})
	chatEv := f.awaitType(t, ann, EventChat)
	msgID := chatEv.ID

	f.sendSealed(t, ann, &Event{Type: EventReaction, Action: ActionAdd, MsgID: &msgID, Emoji: "👍"})
	update := f.awaitType(t, ann, EventReactionUpdate)
	require.NotNil(t, update.MsgID)
	assert.Equal(t, msgID, *update.MsgID)
	require.NotNil(t, update.Reactions)
	assert.Equal(t, []string{"ann"}, (*update.Reactions)["👍"])

	// Removing the last reaction still carries the (now empty) map, so
	// clients can clear their rendering.
	f.sendSealed(t, ann, &Event{Type: EventReaction, Action: ActionRemove, MsgID: &msgID, Emoji: "👍"})
	update = f.awaitType(t, ann, EventReactionUpdate)
	require.NotNil(t, update.Reactions)
	assert.Empty(t, *update.Reactions)
}

func TestPinSetClearAndReplay(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	ann := f.dial(t)
	f.join(t, ann, "lobby", "ann", "")
	f.awaitType(t, ann, EventParticipants)

	f.sendSealed(t, ann, &Event{Type: EventChat, Message: "pin me"})
	chatEv := f.awaitType(t, ann, EventChat)
	msgID := chatEv.ID

	f.sendSealed(t, ann, &Event{Type: EventPin, Action: ActionSet, MsgID: &msgID})
	pinned := f.awaitType(t, ann, EventPinUpdate)
	require.NotNil(t, pinned.MsgID)
	assert.Equal(t, msgID, *pinned.MsgID)
	assert.Equal(t, "pin me", pinned.Message)

	// A joiner while the pin is set receives it right after the history page.
	bob := f.dial(t)
	f.join(t, bob, "lobby", "bob", "")
	replayedPin := f.awaitType(t, bob, EventPinUpdate)
	require.NotNil(t, replayedPin.MsgID)
	assert.Equal(t, msgID, *replayedPin.MsgID)

	f.sendSealed(t, ann, &Event{Type: EventPin, Action: ActionClear})
	cleared := f.awaitType(t, ann, EventPinUpdate)
	assert.Nil(t, cleared.MsgID, "an absent msg_id means the pin was cleared")
}

func TestRename(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	f.sendSealed(t, conn, &Event{Type: EventRename, New: "annabel"})

	notice := f.awaitType(t, conn, EventSystem)
	assert.Equal(t, "ann is now known as annabel", notice.Message)

	participants := f.awaitType(t, conn, EventParticipants)
	assert.Equal(t, []string{"annabel"}, participants.Users)
}

func TestPingPong(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	f.sendSealed(t, conn, &Event{Type: EventPing})
	pong := f.awaitType(t, conn, EventPong)
	assert.Equal(t, EventPong, pong.Type)
}

func TestTypingIsRelayedNotPersisted(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	ann := f.dial(t)
	f.join(t, ann, "lobby", "ann", "")
	f.awaitType(t, ann, EventParticipants)

	bob := f.dial(t)
	f.join(t, bob, "lobby", "bob", "")
	f.awaitType(t, bob, EventParticipants)
	f.awaitType(t, ann, EventParticipants)

	f.sendSealed(t, ann, &Event{Type: EventTyping})
	typing := f.awaitType(t, bob, EventTyping)
	assert.Equal(t, "ann", typing.From)

	history, err := f.store.RecentMessages(context.Background(), "lobby", 50)
	require.NoError(t, err)
	for _, m := range history {
		assert.NotEqual(t, store.Kind("typing"), m.Kind)
	}
}

func TestDecryptFailureClosesSession(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	require.NoError(t, conn.WriteJSON(Envelope{Type: EventCipher, Payload: "not a real token"}))

	failure := f.awaitType(t, conn, EventError)
	assert.Equal(t, errs.ErrDecryptFailed, failure.Code)

	f.awaitClose(t, conn, CloseDecryptFailure)
}

func TestForeignKeyMaterialIsRejected(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	conn := f.dial(t)
	f.join(t, conn, "lobby", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	other, err := envelope.New("a different secret entirely")
	require.NoError(t, err)
	token, err := other.Seal(&Event{Type: EventChat, Message: "smuggled"})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Envelope{Type: EventCipher, Payload: token}))
	f.awaitClose(t, conn, CloseDecryptFailure)
}

func TestDepartureIsAnnounced(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "lobby", "")

	ann := f.dial(t)
	f.join(t, ann, "lobby", "ann", "")
	f.awaitType(t, ann, EventParticipants)

	bob := f.dial(t)
	f.join(t, bob, "lobby", "bob", "")
	f.awaitType(t, bob, EventParticipants)
	f.awaitType(t, ann, EventParticipants)

	require.NoError(t, bob.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	))
	bob.Close()

	left := f.awaitType(t, ann, EventSystem)
	assert.Equal(t, "bob left", left.Message)

	participants := f.awaitType(t, ann, EventParticipants)
	assert.Equal(t, []string{"ann"}, participants.Users)
}

func TestCloseRoomUsesRoomDeletedCode(t *testing.T) {
	f := newChatFixture(t)
	f.createRoom(t, "doomed", "")

	conn := f.dial(t)
	f.join(t, conn, "doomed", "ann", "")
	f.awaitType(t, conn, EventParticipants)

	require.Eventually(t, func() bool {
		return f.registry.Count("doomed") == 1
	}, testReadTimeout, 10*time.Millisecond)

	f.registry.CloseRoom("doomed", CloseRoomDeleted, "room deleted")
	f.awaitClose(t, conn, CloseRoomDeleted)
}
