package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks live-channel state. A nil *Metrics records nothing.
type Metrics struct {
	clients        prometheus.Gauge
	rooms          prometheus.Gauge
	broadcastDrops prometheus.Counter
	evictions      prometheus.Counter
}

// NewMetrics registers the hub collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hexrelay_ws_clients",
			Help: "Connected WebSocket subscribers.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hexrelay_ws_rooms",
			Help: "Rooms with at least one live subscriber.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexrelay_broadcast_drops_total",
			Help: "Subscribers removed because their send buffer was full.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexrelay_ws_evictions_total",
			Help: "Subscribers disconnected by a room nuke.",
		}),
	}

	reg.MustRegister(m.clients, m.rooms, m.broadcastDrops, m.evictions)
	return m
}

func (m *Metrics) setMembership(clients, rooms int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(clients))
	m.rooms.Set(float64(rooms))
}

func (m *Metrics) recordDrops(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDrops.Add(float64(n))
}

func (m *Metrics) recordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}
