/*
Package chat contains the core logic of the relay.

This file defines the Registry, the process-wide table of live room membership.
It is an owned object handed to the composition root, not an ambient global.
The registry holds only a weak association from room name to session; the
session protocol owns the connections themselves.
*/
package chat

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"relaychat/internal/pkg/logx"
)

// Registry maps room names to their sets of live sessions. The top-level map
// is guarded by its own lock; each room entry carries a separate lock so that
// operations on unrelated rooms never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomMembers

	logger zerolog.Logger
}

// roomMembers is one room's member table: session handle to display name,
// mirroring the session's own copy for presence listing and fan-out.
type roomMembers struct {
	mu      sync.Mutex
	members map[*Session]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*roomMembers),
		logger: logx.Logger().With().Str("component", "registry").Logger(),
	}
}

// Register adds the session to the room under the given display name,
// creating the room entry if this is its first member. The table lock is held
// across the insert so a concurrent prune of an emptying room cannot orphan
// the new member.
func (r *Registry) Register(room string, s *Session, name string) {
	r.mu.Lock()
	entry, ok := r.rooms[room]
	if !ok {
		entry = &roomMembers{members: make(map[*Session]string)}
		r.rooms[room] = entry
	}

	entry.mu.Lock()
	entry.members[s] = name
	total := len(entry.members)
	entry.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info().
		Str("room", room).
		Str("name", name).
		Int("total_members", total).
		Msg("Session joined room.")
}

// Unregister removes the session from the room. It reports whether the session
// was actually a member, so disconnect cleanup and broadcast-time pruning can
// race without announcing the same departure twice. An emptied room is removed
// from the registry entirely.
func (r *Registry) Unregister(room string, s *Session) (string, bool) {
	r.mu.Lock()
	entry, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return "", false
	}

	entry.mu.Lock()
	name, present := entry.members[s]
	if present {
		delete(entry.members, s)
	}
	empty := len(entry.members) == 0
	entry.mu.Unlock()

	if empty {
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	if present {
		r.logger.Info().
			Str("room", room).
			Str("name", name).
			Bool("room_pruned", empty).
			Msg("Session left room.")
	}
	return name, present
}

// Rename updates the registry's copy of the session's display name.
// It reports whether the session was a member of the room.
func (r *Registry) Rename(room string, s *Session, newName string) bool {
	entry := r.entry(room)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.members[s]; !ok {
		return false
	}
	entry.members[s] = newName
	return true
}

// ListNames returns the sorted display names of the room's current members.
func (r *Registry) ListNames(room string) []string {
	entry := r.entry(room)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	names := make([]string, 0, len(entry.members))
	for _, name := range entry.members {
		names = append(names, name)
	}
	entry.mu.Unlock()

	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the room's current member set. Fan-out iterates
// the copy, so a join or leave racing with delivery never corrupts iteration.
func (r *Registry) Snapshot(room string) []*Session {
	entry := r.entry(room)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	sessions := make([]*Session, 0, len(entry.members))
	for s := range entry.members {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions in the room.
func (r *Registry) Count(room string) int {
	entry := r.entry(room)
	if entry == nil {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.members)
}

// CloseRoom force-closes every session in the room with the given close code,
// without waiting for natural disconnects. Each session's own cleanup performs
// the unregistration. Returns the number of sessions signalled.
func (r *Registry) CloseRoom(room string, closeCode int, reason string) int {
	sessions := r.Snapshot(room)
	for _, s := range sessions {
		s.Kick(closeCode, reason)
	}

	if len(sessions) > 0 {
		r.logger.Info().
			Str("room", room).
			Int("sessions", len(sessions)).
			Msg("Force-closed all sessions in room.")
	}
	return len(sessions)
}

// CloseAll force-closes every session in every room. Used during shutdown.
// Returns the number of sessions signalled.
func (r *Registry) CloseAll(closeCode int, reason string) int {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	total := 0
	for _, room := range rooms {
		total += r.CloseRoom(room, closeCode, reason)
	}
	return total
}

func (r *Registry) entry(room string) *roomMembers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[room]
}
