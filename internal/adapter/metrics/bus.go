package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics tracks cross-instance fan-out traffic.
type BusMetrics struct {
	Published *prometheus.CounterVec
	Received  *prometheus.CounterVec
	Errors    *prometheus.CounterVec
}

func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of envelopes published, by backend and kind.",
		}, []string{"backend", "kind"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Total number of envelopes received from other instances, by backend and kind.",
		}, []string{"backend", "kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "errors_total",
			Help:      "Total number of bus errors, by backend and operation.",
		}, []string{"backend", "op"}),
	}

	reg.MustRegister(m.Published, m.Received, m.Errors)
	return m
}

func (m *BusMetrics) OnPublish(backend, kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Errors.WithLabelValues(backend, "publish").Inc()
		return
	}
	m.Published.WithLabelValues(backend, kind).Inc()
}

func (m *BusMetrics) OnReceive(backend, kind string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(backend, kind).Inc()
}

func (m *BusMetrics) OnDecodeError(backend string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(backend, "decode").Inc()
}
