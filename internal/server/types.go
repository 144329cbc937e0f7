package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/relay"
	"github.com/Tyrowin/hexrelay/internal/store"
)

// Frame type tags on the live channel.
const (
	frameHistory    = "history"
	frameMessage    = "message"
	frameRoomNuked  = "room_nuked"
	frameNewMessage = "new_message"
	actionFetch     = "fetch"
)

// historyLimit caps the messages returned for a fetch.
const historyLimit = 100

type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundFetch
	inboundNewMessage
)

// inboundFrame is the union of everything a client may send.
type inboundFrame struct {
	Action  string `json:"action"`
	Type    string `json:"type"`
	SinceID *int64 `json:"since_id"`
	envelope.Envelope
}

// kind resolves the tag. "action" takes precedence over "type".
func (f inboundFrame) kind() inboundKind {
	switch {
	case f.Action == actionFetch:
		return inboundFetch
	case f.Action == "" && f.Type == frameNewMessage:
		return inboundNewMessage
	default:
		return inboundUnknown
	}
}

func parseInbound(raw []byte) (inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Action = strings.TrimSpace(frame.Action)
	frame.Type = strings.TrimSpace(frame.Type)
	return frame, nil
}

type messageFrame struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

type historyFrame struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

type roomNukedFrame struct {
	Type         string `json:"type"`
	Room         string `json:"room"`
	DeletedCount int64  `json:"deleted_count"`
}

func encodeHistory(msgs []store.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []store.Message{}
	}
	return json.Marshal(historyFrame{Type: frameHistory, Messages: msgs})
}

func encodeRoomNuked(room string, deleted int64) ([]byte, error) {
	return json.Marshal(roomNukedFrame{Type: frameRoomNuked, Room: room, DeletedCount: deleted})
}

// encodeEvent renders a relay event as the frame subscribers receive.
func encodeEvent(ev relay.Event) ([]byte, error) {
	switch ev.Kind {
	case relay.EventMessage:
		return json.Marshal(messageFrame{Type: frameMessage, Message: ev.Message})
	case relay.EventRoomNuked:
		return encodeRoomNuked(ev.Room, ev.DeletedCount)
	default:
		return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
