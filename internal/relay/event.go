package relay

import "github.com/Tyrowin/hexrelay/internal/store"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventMessage carries a newly stored message.
	EventMessage EventKind = iota + 1
	// EventRoomNuked is terminal: subscribers are disconnected after delivery.
	EventRoomNuked
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventRoomNuked:
		return "room_nuked"
	default:
		return "unknown"
	}
}

// Event is published to every live subscriber of a room.
type Event struct {
	Kind         EventKind
	Room         string
	Message      store.Message
	DeletedCount int64
}

// Terminal reports whether subscribers must be disconnected after delivery.
func (e Event) Terminal() bool {
	return e.Kind == EventRoomNuked
}

// MessageEvent wraps a stored message.
func MessageEvent(msg store.Message) Event {
	return Event{Kind: EventMessage, Room: msg.Room, Message: msg}
}

// RoomNukedEvent builds the terminal notification for room.
func RoomNukedEvent(room string, deleted int64) Event {
	return Event{Kind: EventRoomNuked, Room: room, DeletedCount: deleted}
}

// Publisher fans events out to a room's live subscribers. Delivery is best
// effort and Publish never fails.
type Publisher interface {
	Publish(room string, event Event)
}
