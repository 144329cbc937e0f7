// Package store persists room messages and nuke tombstones.
//
// Rooms are implicit: any identifier is a valid key and exists as soon as a
// message is appended. Message ids are a per-room sequence that is never
// reused, even after every message in a room has expired.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Tyrowin/hexrelay/internal/envelope"
)

// TimestampLayout is the wire format of message timestamps: UTC, microseconds, Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// ErrRoomNuked is returned by Append when the room carries a tombstone.
var ErrRoomNuked = errors.New("room has been nuked")

// Message is a stored ciphertext record. It is immutable once created.
type Message struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	User      string    `json:"user"`
	UserIV    string    `json:"user_iv"`
	Content   string    `json:"content"`
	IV        string    `json:"iv"`
	Timestamp time.Time `json:"timestamp"`
}

type messageAlias Message

// MarshalJSON renders the timestamp in TimestampLayout.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		messageAlias
		Timestamp string `json:"timestamp"`
	}{
		messageAlias: messageAlias(m),
		Timestamp:    m.Timestamp.UTC().Format(TimestampLayout),
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		messageAlias
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.messageAlias)
	if raw.Timestamp == "" {
		m.Timestamp = time.Time{}
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return err
	}
	m.Timestamp = ts.UTC()
	return nil
}

// Tombstone marks a room as permanently closed.
type Tombstone struct {
	Room    string
	NukedAt time.Time
}

// NukeResult describes the outcome of Store.Nuke.
type NukeResult struct {
	Deleted int64
	// Created is false when the room was already tombstoned.
	Created bool
}

// Store is the durable per-room message log.
type Store interface {
	// Append assigns the next id and the current time and persists the message.
	// The tombstone check happens in the same transaction as the insert.
	Append(ctx context.Context, room string, env envelope.Envelope) (Message, error)
	// Query returns messages for a room. A tombstoned room yields an empty slice.
	Query(ctx context.Context, room string, q Query) ([]Message, error)
	Count(ctx context.Context, room string) (int64, error)
	// DeleteRoom removes every message for a room atomically.
	DeleteRoom(ctx context.Context, room string) (int64, error)
	// Nuke deletes every message and creates the tombstone in one transaction.
	Nuke(ctx context.Context, room string) (NukeResult, error)
	IsNuked(ctx context.Context, room string) (bool, error)
	// ExpireOlderThan removes messages in every room with a timestamp before cutoff.
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used to stamp messages and tombstones.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// stamp normalizes t to the precision the backends persist.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
