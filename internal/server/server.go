package server

import (
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/hexrelay/internal/relay"
)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Service *relay.Service
	Hub     *Hub
	// Limiter gates REST writes; nil disables write limiting.
	Limiter WriteLimiter
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server owns the HTTP surface of the relay: the live channel, the REST API
// and the operational endpoints.
type Server struct {
	cfg      Config
	service  *relay.Service
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	limiter  WriteLimiter
	gatherer prometheus.Gatherer
	log      *zap.Logger
	ready    atomic.Bool
}

// New builds a Server from cfg and deps. cfg is sanitized first.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.Sanitize()
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		service:  deps.Service,
		hub:      deps.Hub,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		limiter:  deps.Limiter,
		gatherer: gatherer,
		log:      log,
	}
	s.upgrader = s.newUpgrader()
	return s
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}
