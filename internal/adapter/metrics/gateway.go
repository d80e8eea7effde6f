package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks calls to the managed gateway's connection API and
// the webhook events it sends us.
type GatewayMetrics struct {
	Posts        *prometheus.CounterVec
	PostDuration prometheus.Histogram
	Events       *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "posts_total",
			Help:      "Total post-to-connection calls, by result (ok, gone, retryable, rejected, open).",
		}, []string{"result"}),
		PostDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "post_duration_seconds",
			Help:      "Duration of post-to-connection calls including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Total gateway webhook events, by route key.",
		}, []string{"route"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Gateway circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Posts, m.PostDuration, m.Events, m.BreakerState)
	return m
}

func (m *GatewayMetrics) OnPost(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Posts.WithLabelValues(result).Inc()
	m.PostDuration.Observe(took.Seconds())
}

func (m *GatewayMetrics) OnEvent(route string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(route).Inc()
}

func (m *GatewayMetrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BreakerState.Set(state)
}
