package bookmark

import (
	"fmt"
	"strings"
	"time"
)

// Record is the unit of synchronization.
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// NewerThan reports whether r sorts before other in a newest-first view.
// Equal timestamps are not newer; ties are resolved by arrival order.
func (r Record) NewerThan(other Record) bool {
	return r.CreatedAt.After(other.CreatedAt)
}

// Kind is the row-level change kind carried by feed and broadcast events.
type Kind int

const (
	// KindInsert announces a newly created record.
	KindInsert Kind = iota + 1
	// KindUpdate announces a replaced record.
	KindUpdate
	// KindDelete announces a removed record. Only ID is required.
	KindDelete
)

// String returns the canonical upper-case name used on the change feed.
func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts change-feed names (INSERT, UPDATE, DELETE, any case)
// and broadcast event names (bookmark-added, bookmark-updated, bookmark-deleted).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "bookmark-added":
		return KindInsert, nil
	case "update", "bookmark-updated":
		return KindUpdate, nil
	case "delete", "bookmark-deleted":
		return KindDelete, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Source identifies which ingestion path delivered an event.
type Source string

const (
	SourceSnapshot   Source = "snapshot"
	SourceChangeFeed Source = "change_feed"
	SourceBroadcast  Source = "broadcast"
	SourceOptimistic Source = "optimistic"
)

// Event is one change notification as delivered by a transport.
type Event struct {
	Kind   Kind
	Record Record
	Source Source
}

// Stream is a live subscription handed out by a change feed or broadcast
// channel.
//
// Events is closed when the subscription ends, either because Close was
// called or because the transport failed. After the channel is closed Err
// reports the terminal failure, or nil for a clean shutdown.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Predicate is a transport-level filter. Transports may apply it to save
// bandwidth; the engine re-applies ownership filtering regardless.
type Predicate func(Record) bool

// OwnerFilter returns a predicate matching records owned by ownerID.
// Records with no owner pass: delete notifications often carry only the
// id, and anything else without an owner is rejected later as malformed.
func OwnerFilter(ownerID string) Predicate {
	return func(r Record) bool {
		return r.OwnerID == "" || r.OwnerID == ownerID
	}
}

// Match reports whether r passes p. A nil predicate matches everything.
func (p Predicate) Match(r Record) bool {
	if p == nil {
		return true
	}
	return p(r)
}
