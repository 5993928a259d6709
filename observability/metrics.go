package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChatMetrics tracks the admission pipeline and realtime fan-out. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type ChatMetrics struct {
	submissions   *prometheus.CounterVec
	verifications *prometheus.CounterVec
	verifyLatency *prometheus.HistogramVec
	generations   *prometheus.CounterVec
	genLatency    prometheus.Histogram
	broadcasts    *prometheus.CounterVec
	clients       prometheus.Gauge
}

// NewChatMetrics builds the collectors and registers them with reg. A nil reg
// registers with the prometheus default registerer.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ChatMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Chat submissions segmented by terminal stage and outcome.",
		}, []string{"stage", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "payment",
			Name:      "verifications_total",
			Help:      "Payment verification results segmented by kind and reason.",
		}, []string{"kind", "result"}),
		verifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paychat",
			Subsystem: "payment",
			Name:      "verification_duration_seconds",
			Help:      "Latency of payment verification including the ledger lookup.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "responder",
			Name:      "generations_total",
			Help:      "Responder completions segmented by outcome (ok or fallback).",
		}, []string{"outcome"}),
		genLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paychat",
			Subsystem: "responder",
			Name:      "generation_duration_seconds",
			Help:      "Latency of responder completion calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychat",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Realtime event deliveries segmented by result (queued or dropped).",
		}, []string{"result"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paychat",
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Number of connected realtime clients.",
		}),
	}
	reg.MustRegister(
		m.submissions,
		m.verifications,
		m.verifyLatency,
		m.generations,
		m.genLatency,
		m.broadcasts,
		m.clients,
	)
	return m
}

// RecordSubmission counts a finished submission by the stage it ended in.
func (m *ChatMetrics) RecordSubmission(stage string, accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.submissions.WithLabelValues(label(stage), outcome).Inc()
}

// RecordVerification records the result and latency of one verifier call.
func (m *ChatMetrics) RecordVerification(kind, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(label(kind), label(result)).Inc()
	m.verifyLatency.WithLabelValues(label(kind)).Observe(took.Seconds())
}

// RecordGeneration records a completion call; fallback marks a failed call replaced by the apology text.
func (m *ChatMetrics) RecordGeneration(fallback bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if fallback {
		outcome = "fallback"
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.genLatency.Observe(took.Seconds())
}

// RecordDelivery counts one event handed to (or dropped for) a realtime client.
func (m *ChatMetrics) RecordDelivery(dropped bool) {
	if m == nil {
		return
	}
	result := "queued"
	if dropped {
		result = "dropped"
	}
	m.broadcasts.WithLabelValues(result).Inc()
}

// SetClients publishes the current realtime client count.
func (m *ChatMetrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
