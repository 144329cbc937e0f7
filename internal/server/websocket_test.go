package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessageFrame() map[string]any {
	env := validEnvelope()
	return map[string]any{
		"type":    "new_message",
		"user":    env.User,
		"user_iv": env.UserIV,
		"content": env.Content,
		"iv":      env.IV,
	}
}

func TestWebSocketNewMessageReachesRoomIncludingSender(t *testing.T) {
	env := newTestEnv(t)
	sender := env.dial(testRoom)
	peer := env.dial(testRoom)
	outsider := env.dial(otherRoom)

	require.NoError(t, sender.WriteJSON(newMessageFrame()))

	for _, conn := range []*websocket.Conn{sender, peer} {
		frame := readFrame(t, conn)
		assert.Equal(t, "message", frame["type"])
		msg, ok := frame["message"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 1, msg["id"])
		assert.Equal(t, testRoom, msg["room"])
	}

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "other rooms receive nothing")
}

func TestWebSocketRestPostIsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(testRoom)

	resp := env.postJSON("/api/messages/"+testRoom, validEnvelope())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := readFrame(t, conn)
	assert.Equal(t, "message", frame["type"])
}

func TestWebSocketFetchReturnsHistory(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.postJSON("/api/messages/"+testRoom, validEnvelope())
	}

	conn := env.dialRaw("/ws/rooms/" + testRoom + "/")
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "fetch", "since_id": 1}))

	frame := readFrame(t, conn)
	assert.Equal(t, "history", frame["type"])
	msgs, ok := frame["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 2, msgs[0].(map[string]any)["id"])
	assert.EqualValues(t, 3, msgs[1].(map[string]any)["id"])
}

func TestWebSocketDropsInvalidFrames(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(testRoom)

	bad := newMessageFrame()
	bad["content"] = strings.Repeat("ab", 8)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "shout"}))
	require.NoError(t, conn.WriteJSON(bad))

	// The connection stays usable and nothing was stored.
	require.NoError(t, conn.WriteJSON(map[string]any{"action": "fetch"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "history", frame["type"])
	assert.Empty(t, frame["messages"])
}

func TestWebSocketNukeEvictsSubscribers(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(testRoom)
	b := env.dial(testRoom)
	survivor := env.dial(otherRoom)

	env.postJSON("/api/messages/"+testRoom, validEnvelope())
	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, "message", readFrame(t, conn)["type"])
	}

	resp := env.postJSON("/api/room/"+testRoom+"/nuke", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, conn := range []*websocket.Conn{a, b} {
		frame := readFrame(t, conn)
		assert.Equal(t, "room_nuked", frame["type"])
		assert.Equal(t, testRoom, frame["room"])
		assert.EqualValues(t, 1, frame["deleted_count"])
		expectClosed(t, conn)
	}

	assert.Eventually(t, func() bool { return env.hub.RoomSize(testRoom) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.hub.RoomSize(otherRoom))

	require.NoError(t, survivor.WriteJSON(map[string]any{"action": "fetch"}))
	assert.Equal(t, "history", readFrame(t, survivor)["type"])
}

func TestWebSocketJoinNukedRoomIsRefused(t *testing.T) {
	env := newTestEnv(t)
	env.postJSON("/api/room/"+testRoom+"/nuke", "")

	conn := env.dialRaw("/ws/messages/" + testRoom)
	frame := readFrame(t, conn)
	assert.Equal(t, "room_nuked", frame["type"])
	assert.EqualValues(t, 0, frame["deleted_count"])
	expectClosed(t, conn)
	assert.Zero(t, env.hub.RoomSize(testRoom))
}

func TestWebSocketHandshakeRejections(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) {
		c.AllowedOrigins = []string{testOrigin}
	}))

	dial := func(path, origin string) int {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(path), header)
		if conn != nil {
			_ = conn.Close()
		}
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, dial("/ws/messages/not-a-room", testOrigin))
	assert.Equal(t, http.StatusBadRequest, dial("/ws/messages/"+testRoom[:20], testOrigin))
	assert.Equal(t, http.StatusForbidden, dial("/ws/messages/"+testRoom, "http://evil.example"))
	assert.Equal(t, http.StatusForbidden, dial("/ws/messages/"+testRoom, ""))

	resp := env.postJSON("/ws/messages/"+testRoom, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketOversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) { c.MaxWSMessageSize = 256 }))
	conn := env.dial(testRoom)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketRateLimitDropsExcessFrames(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) {
		c.RateLimit.Burst = 2
		c.RateLimit.RefillInterval = time.Hour
	}))
	conn := env.dial(testRoom)

	// The fetch in dial spent one token.
	require.NoError(t, conn.WriteJSON(newMessageFrame()))
	assert.Equal(t, "message", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(newMessageFrame()))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "frame over the limit is discarded")
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(testRoom)

	require.NoError(t, env.hub.Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
