package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/relay"
	"github.com/Tyrowin/hexrelay/internal/store"
)

const (
	testRoom   = "00112233445566778899aabbccddeeff"
	otherRoom  = "ffeeddccbbaa99887766554433221100"
	testOrigin = "http://localhost:8080"
)

type testEnv struct {
	t      *testing.T
	http   *httptest.Server
	srv    *Server
	hub    *Hub
	svc    *relay.Service
	store  store.Store
	reg    *prometheus.Registry
	config Config
}

type envOption func(*Config, *Deps)

func withLimiter(l WriteLimiter) envOption {
	return func(_ *Config, d *Deps) { d.Limiter = l }
}

func withConfig(fn func(*Config)) envOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func newTestEnvWithStore(t *testing.T, st store.Store, opts ...envOption) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Storage.Driver = StorageMemory
	reg := prometheus.NewRegistry()
	hub := NewHub(nil, NewMetrics(reg))
	deps := Deps{Hub: hub, Gatherer: reg}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	svc := relay.NewService(st, hub, cfg.Sanitize().ServiceOptions())
	deps.Service = svc

	srv := New(cfg, deps)
	srv.SetReady(true)
	go hub.Run()

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testEnv{t: t, http: ts, srv: srv, hub: hub, svc: svc, store: st, reg: reg, config: srv.cfg}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	return newTestEnvWithStore(t, store.NewMemoryStore(), opts...)
}

func validEnvelope() envelope.Envelope {
	return envelope.Envelope{
		User:    strings.Repeat("a1", envelope.TagBytes+4),
		UserIV:  strings.Repeat("b2", envelope.IVBytes),
		Content: strings.Repeat("c3", envelope.TagBytes+16),
		IV:      strings.Repeat("d4", envelope.IVBytes),
	}
}

func (e *testEnv) url(path string) string {
	return e.http.URL + path
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func (e *testEnv) postJSON(path string, body any) *http.Response {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}
	resp, err := http.Post(e.url(path), "application/json", &buf)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	resp, err := http.Get(e.url(path))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// dial opens a live channel for room and waits until the server has
// registered it, using a fetch round trip as the barrier.
func (e *testEnv) dial(room string) *websocket.Conn {
	e.t.Helper()
	conn := e.dialRaw("/ws/messages/" + room)
	require.NoError(e.t, conn.WriteJSON(map[string]any{"action": "fetch"}))
	frame := readFrame(e.t, conn)
	require.Equal(e.t, "history", frame["type"])
	return conn
}

func (e *testEnv) dialRaw(path string) *websocket.Conn {
	e.t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}
