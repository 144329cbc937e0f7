package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics records relay activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	appended prometheus.Counter
	rejected *prometheus.CounterVec
	nukes    *prometheus.CounterVec
	expired  prometheus.Counter
}

// NewMetrics registers the relay collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexrelay_messages_appended_total",
			Help: "Messages persisted and published.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hexrelay_messages_rejected_total",
			Help: "Writes refused before reaching storage, by reason.",
		}, []string{"reason"}),
		nukes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hexrelay_nukes_total",
			Help: "Nuke requests by whether they created the tombstone.",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hexrelay_messages_expired_total",
			Help: "Messages removed by the retention sweep.",
		}),
	}

	reg.MustRegister(m.appended, m.rejected, m.nukes, m.expired)
	return m
}

func (m *Metrics) recordAppend() {
	if m == nil {
		return
	}
	m.appended.Inc()
}

func (m *Metrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordNuke(created bool) {
	if m == nil {
		return
	}
	result := "repeat"
	if created {
		result = "created"
	}
	m.nukes.WithLabelValues(result).Inc()
}

func (m *Metrics) recordExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}
