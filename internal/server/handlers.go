package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/store"
)

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
}

// WebSocketHandler upgrades a subscriber for the room named in the path and
// hands it to the hub. A nuked room gets a room_nuked frame and is closed.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	room := r.PathValue("room")
	if !s.service.ValidRoom(room) {
		http.Error(w, "invalid room identifier", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("room", room), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, s.service, room, r.RemoteAddr, s.cfg, s.log)

	registered := true
	joined, err := s.service.Join(r.Context(), room, func() {
		registered = s.hub.Register(client)
	})
	switch {
	case err != nil:
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "storage failure")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		client.closeConnection()
	case !joined:
		client.rejectNuked()
	case !registered:
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		client.closeConnection()
	}
}

// ListMessagesHandler serves GET /api/messages/{room}.
func (s *Server) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !s.service.ValidRoom(room) {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "invalid room identifier")
		return
	}

	nuked, err := s.service.IsNuked(r.Context(), room)
	if err != nil {
		writeClassified(w, err)
		return
	}
	if nuked {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, []store.Message{})
		return
	}

	msgs, err := s.service.History(r.Context(), room, store.ParseQuery(r.URL.Query()))
	if err != nil {
		writeClassified(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessageHandler serves POST /api/messages/{room}.
func (s *Server) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !s.service.ValidRoom(room) {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "invalid room identifier")
		return
	}

	env, err := s.decodeEnvelope(w, r)
	if err != nil {
		writeClassified(w, err)
		return
	}

	msg, err := s.service.Post(r.Context(), room, env)
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (envelope.Envelope, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxJSONSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var env envelope.Envelope
	if err := dec.Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return envelope.Envelope{}, err
		}
		return envelope.Envelope{}, fmt.Errorf("%w: malformed JSON body", envelope.ErrInvalid)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return envelope.Envelope{}, fmt.Errorf("%w: malformed JSON body", envelope.ErrInvalid)
	}
	return env, nil
}

// NukeHandler serves POST /api/room/{room}/nuke.
func (s *Server) NukeHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	report, err := s.service.Nuke(r.Context(), room)
	if err != nil {
		writeClassified(w, err)
		return
	}
	s.log.Info("nuke requested",
		zap.String("room", room),
		zap.Int64("deleted", report.DeletedMessagesReported),
		zap.String("request_id", requestIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, report)
}

// EmptyListHandler answers a message listing that names no room.
func EmptyListHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []store.Message{})
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether the server accepts traffic and its limiter backend is reachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
		return
	}
	if p, ok := s.limiter.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not_ready"))
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}
