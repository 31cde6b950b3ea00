package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateRoom(ctx, "dev", "devpass123"))
	require.NoError(t, s.CreateRoom(ctx, "general", "hello1234"))

	assert.ErrorIs(t, s.CreateRoom(ctx, "dev", "other"), ErrRoomExists)

	names, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "general"}, names)

	password, err := s.RoomPassword(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "devpass123", password)

	_, err = s.RoomPassword(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	exists, err := s.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteRoom(ctx, "general"))
	exists, err = s.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, s.DeleteRoom(ctx, "general"), ErrRoomNotFound)
}

func TestDeleteRoomDropsItsMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	id, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "hello"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRoom(ctx, "r1"))

	_, err = s.GetMessage(ctx, id)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	first, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "one"})
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "two"})
	require.NoError(t, err)

	assert.Greater(t, second, first)
}

func TestRecentMessagesOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, &Message{
			Room:      "r1",
			Author:    "alice",
			Kind:      KindChat,
			Body:      string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	rows, err := s.RecentMessages(ctx, "r1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// The most recent page, oldest first.
	assert.Equal(t, "c", rows[0].Body)
	assert.Equal(t, "d", rows[1].Body)
	assert.Equal(t, "e", rows[2].Body)

	empty, err := s.RecentMessages(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReactionAddRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	id, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "hello"})
	require.NoError(t, err)

	once, err := s.AddReaction(ctx, id, "👍", "alice")
	require.NoError(t, err)
	assert.Equal(t, ReactionMap{"👍": {"alice"}}, once)

	twice, err := s.AddReaction(ctx, id, "👍", "alice")
	require.NoError(t, err)
	assert.Equal(t, once, twice, "adding the same pair twice must be a no-op")

	removed, err := s.RemoveReaction(ctx, id, "👍", "alice")
	require.NoError(t, err)
	assert.Empty(t, removed)

	again, err := s.RemoveReaction(ctx, id, "👍", "alice")
	require.NoError(t, err)
	assert.Equal(t, removed, again, "removing an absent pair must be a no-op")

	_, err = s.AddReaction(ctx, 9999, "👍", "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestReactionMapDropsEmptyEmoji(t *testing.T) {
	m := NewReactionMap()

	assert.True(t, m.Add("🎉", "alice"))
	assert.True(t, m.Add("🎉", "bob"))
	assert.False(t, m.Add("🎉", "bob"))

	assert.True(t, m.Remove("🎉", "alice"))
	assert.Equal(t, ReactionMap{"🎉": {"bob"}}, m)

	assert.True(t, m.Remove("🎉", "bob"))
	_, ok := m["🎉"]
	assert.False(t, ok, "emoji with no remaining reactors must disappear")
}

func TestPinLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	pinned, err := s.GetPinned(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, pinned, "a fresh room has nothing pinned")

	id, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "pin me"})
	require.NoError(t, err)

	require.NoError(t, s.SetPinned(ctx, "r1", &id))
	pinned, err = s.GetPinned(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, pinned)
	assert.Equal(t, id, *pinned)

	require.NoError(t, s.SetPinned(ctx, "r1", nil))
	pinned, err = s.GetPinned(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, pinned)

	missing := int64(9999)
	assert.ErrorIs(t, s.SetPinned(ctx, "r1", &missing), ErrMessageNotFound)
	assert.ErrorIs(t, s.SetPinned(ctx, "ghost", &id), ErrRoomNotFound)
}

func TestSnapshotsDoNotAliasStoreState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", "p1"))

	id, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "hello"})
	require.NoError(t, err)

	m, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	m.Reactions.Add("💀", "mallory")

	fresh, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, fresh.Reactions, "mutating a returned snapshot must not touch the store")
}

func TestFileURLsListsOnlyFileMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRoom(ctx, "r1", ""))
	require.NoError(t, s.CreateRoom(ctx, "r2", ""))

	_, err := s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindChat, Body: "no url here"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, &Message{Room: "r1", Author: "alice", Kind: KindFile, URL: "https://cdn.test/b.png", Filename: "b.png"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, &Message{Room: "r1", Author: "bob", Kind: KindFile, URL: "https://cdn.test/a.pdf", Filename: "a.pdf"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, &Message{Room: "r2", Author: "eve", Kind: KindFile, URL: "https://cdn.test/other.png", Filename: "other.png"})
	require.NoError(t, err)

	urls, err := s.FileURLs(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.test/a.pdf", "https://cdn.test/b.png"}, urls)

	urls, err = s.FileURLs(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, urls)
}
