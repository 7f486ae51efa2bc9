package broadcast

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// Event names carried on the wire.
const (
	EventAdded   = "bookmark-added"
	EventUpdated = "bookmark-updated"
	EventDeleted = "bookmark-deleted"
)

// Message is one broadcast announcement.
type Message struct {
	ID      ulid.ULID       `json:"id" cbor:"id"`
	Topic   string          `json:"topic" cbor:"topic"`
	Event   string          `json:"event" cbor:"event"`
	Origin  string          `json:"origin,omitempty" cbor:"origin,omitempty"`
	Payload bookmark.Record `json:"payload" cbor:"payload"`
}

// EventName returns the wire event name for kind.
func EventName(kind bookmark.Kind) (string, error) {
	switch kind {
	case bookmark.KindInsert:
		return EventAdded, nil
	case bookmark.KindUpdate:
		return EventUpdated, nil
	case bookmark.KindDelete:
		return EventDeleted, nil
	default:
		return "", fmt.Errorf("no broadcast event for kind %d", int(kind))
	}
}

// NewMessage builds a message for a mutation of r. Delete payloads carry
// only the id and owner.
func NewMessage(topic, origin string, kind bookmark.Kind, r bookmark.Record) (Message, error) {
	name, err := EventName(kind)
	if err != nil {
		return Message{}, err
	}
	if kind == bookmark.KindDelete {
		r = bookmark.Record{ID: r.ID, OwnerID: r.OwnerID}
	}
	return Message{
		ID:      ulid.Make(),
		Topic:   topic,
		Event:   name,
		Origin:  origin,
		Payload: r,
	}, nil
}

// BookmarkEvent converts m into the event the engine consumes.
func (m Message) BookmarkEvent() (bookmark.Event, error) {
	kind, err := bookmark.ParseKind(m.Event)
	if err != nil {
		return bookmark.Event{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	return bookmark.Event{
		Kind:   kind,
		Record: m.Payload,
		Source: bookmark.SourceBroadcast,
	}, nil
}

// NewOrigin returns a fresh origin id for a session.
func NewOrigin() string {
	return ulid.Make().String()
}
