package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the relay's HTTP handler with middleware applied. Every room
// route also accepts a trailing slash.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	for _, prefix := range []string{"/ws/messages/", "/ws/rooms/"} {
		mux.HandleFunc(prefix+"{room}", s.WebSocketHandler)
		mux.HandleFunc(prefix+"{room}/{$}", s.WebSocketHandler)
	}

	mux.HandleFunc("GET /api/messages", EmptyListHandler)
	mux.HandleFunc("GET /api/messages/{$}", EmptyListHandler)

	post := limitWrites(s.limiter, s.log, http.HandlerFunc(s.PostMessageHandler))
	nuke := limitWrites(s.limiter, s.log, http.HandlerFunc(s.NukeHandler))
	for _, suffix := range []string{"", "/{$}"} {
		mux.HandleFunc("GET /api/messages/{room}"+suffix, s.ListMessagesHandler)
		mux.Handle("POST /api/messages/{room}"+suffix, post)
		mux.Handle("POST /api/room/{room}/nuke"+suffix, nuke)
	}

	var h http.Handler = mux
	h = withSecurityHeaders(h)
	h = withRecovery(s.log, h)
	h = withRequestLog(s.log, h)
	h = withRequestID(h)
	return h
}
