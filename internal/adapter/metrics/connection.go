package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics tracks transport sessions.
type ConnectionMetrics struct {
	Active   *prometheus.GaugeVec
	Opened   *prometheus.CounterVec
	Closed   *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of open connections, by transport.",
		}, []string{"transport"}),
		Opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Total number of connections registered, by transport.",
		}, []string{"transport"}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of connections removed, by transport and reason.",
		}, []string{"transport", "reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Total number of connection attempts rejected before upgrade, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Active, m.Opened, m.Closed, m.Rejected)
	return m
}

func (m *ConnectionMetrics) OnOpen(transport string) {
	if m == nil {
		return
	}
	m.Opened.WithLabelValues(transport).Inc()
	m.Active.WithLabelValues(transport).Inc()
}

func (m *ConnectionMetrics) OnClose(transport, reason string) {
	if m == nil {
		return
	}
	m.Closed.WithLabelValues(transport, reason).Inc()
	m.Active.WithLabelValues(transport).Dec()
}

func (m *ConnectionMetrics) OnReject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}
