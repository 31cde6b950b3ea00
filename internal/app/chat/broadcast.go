/*
Package chat contains the core logic of the relay.

This file defines the Broadcaster, the fan-out engine that delivers one event
to every live session in a room through the transport cipher.
*/
package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"relaychat/internal/app/store"
	"relaychat/internal/pkg/envelope"
	"relaychat/internal/pkg/logx"
)

// Broadcaster fans events out to a room's live members. Fan-out runs on the
// triggering goroutine and performs non-blocking sends into each recipient's
// outbound queue, so events broadcast by one connection reach every recipient
// in the order they were sent.
type Broadcaster struct {
	registry *Registry
	store    store.Store
	cipher   *envelope.Cipher

	logger zerolog.Logger
}

// NewBroadcaster wires the fan-out engine to the registry, the persistence
// port, and the transport cipher.
func NewBroadcaster(registry *Registry, st store.Store, cipher *envelope.Cipher) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    st,
		cipher:   cipher,
		logger:   logx.Logger().With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast delivers the event to every current member of the room.
//
// Durable kinds (chat, file, system) are appended to the store first and carry
// the assigned id into fan-out, so every live recipient sees the same id the
// history replay will later report. A failed append is logged and the event is
// still delivered without an id: live users see the message even when the log
// write fails, at the cost of it being absent from later replays.
//
// A member whose outbound queue rejects the frame is silently dropped from the
// registry and its connection closed; delivery to the remaining members
// continues unaffected.
func (b *Broadcaster) Broadcast(ctx context.Context, room string, ev *Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = wireTimestamp(time.Now())
	}

	if kind, durable := durableKind(ev.Type); durable {
		id, err := b.append(ctx, room, kind, ev)
		if err != nil {
			b.logger.Error().Err(err).
				Str("room", room).
				Str("event_type", string(ev.Type)).
				Msg("Failed to persist event; delivering without id.")
		} else {
			ev.ID = id
		}
	}

	frame, err := b.sealFrame(ev)
	if err != nil {
		b.logger.Error().Err(err).
			Str("room", room).
			Str("event_type", string(ev.Type)).
			Msg("Failed to seal event for broadcast.")
		return
	}

	for _, member := range b.registry.Snapshot(room) {
		if member.enqueue(frame) {
			continue
		}

		// Dead or hopelessly backed-up peer: drop it and move on. Its own
		// cleanup finds the registry entry already gone and stays quiet.
		b.registry.Unregister(room, member)
		member.Close()
		b.logger.Warn().
			Str("room", room).
			Msg("Dropped unresponsive session during fan-out.")
	}
}

// BroadcastParticipants sends the room's current presence snapshot to all members.
func (b *Broadcaster) BroadcastParticipants(ctx context.Context, room string) {
	names := b.registry.ListNames(room)
	if names == nil {
		return
	}
	b.Broadcast(ctx, room, &Event{Type: EventParticipants, Users: names})
}

// append writes a durable event to the message log and returns the assigned id.
func (b *Broadcaster) append(ctx context.Context, room string, kind store.Kind, ev *Event) (int64, error) {
	author := ev.From
	if author == "" {
		author = "system"
	}

	return b.store.AppendMessage(ctx, &store.Message{
		Room:      room,
		Author:    author,
		Kind:      kind,
		Body:      ev.Message,
		URL:       ev.URL,
		Filename:  ev.Filename,
		Color:     ev.Color,
		ReplyToID: ev.ReplyToID,
	})
}

// sealFrame encrypts the event once and wraps it in the outer cipher envelope.
// Every recipient of one broadcast receives the identical frame.
func (b *Broadcaster) sealFrame(ev *Event) ([]byte, error) {
	token, err := b.cipher.Seal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: EventCipher, Payload: token})
}
