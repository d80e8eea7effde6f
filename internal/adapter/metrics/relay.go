package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks routing and fan-out.
type RelayMetrics struct {
	MessagesRouted      *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	BroadcastRecipients prometheus.Histogram
	BroadcastDuration   prometheus.Histogram
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Total number of inbound messages, by routing decision (echo, broadcast, direct, malformed, throttled, dropped).",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames delivered to a connection, by frame type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed sends, by frame type.",
		}, []string{"type"}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "recipients",
			Help:      "Number of recipients attempted per local broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Time until every recipient of a local broadcast settled.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(m.MessagesRouted, m.FramesSent, m.SendFailures, m.BroadcastRecipients, m.BroadcastDuration)
	return m
}

func (m *RelayMetrics) Routed(kind string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(kind).Inc()
}

// Sent records the outcome of one send of a frame of the given type.
func (m *RelayMetrics) Sent(frameType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendFailures.WithLabelValues(frameType).Inc()
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
}

func (m *RelayMetrics) Broadcast(recipients int, took time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastRecipients.Observe(float64(recipients))
	m.BroadcastDuration.Observe(took.Seconds())
}
