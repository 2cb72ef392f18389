package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Message flow per channel and direction
//   - Outbound delivery attempts, retries, and dead letters
//   - Partition queue depth and pressure transitions
//   - Dedup filter hits
//   - Ingest policy and security decisions
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// DeliveryAttempts counts outbound adapter calls.
	// Labels: operation (send|edit|send_media|edit_media), outcome (success|error)
	DeliveryAttempts *prometheus.CounterVec

	// DeliveryRetries counts scheduled retries by partition.
	DeliveryRetries *prometheus.CounterVec

	// DeadLetters counts captured dead-letter records by category.
	DeadLetters *prometheus.CounterVec

	// QueueDepth gauges per-partition outbound queue length.
	QueueDepth *prometheus.GaugeVec

	// PressureTransitions counts pressure level changes.
	// Labels: partition, level (normal|warn|degraded|shed)
	PressureTransitions *prometheus.CounterVec

	// DedupHits counts duplicate fingerprints suppressed at ingest.
	DedupHits prometheus.Counter

	// PolicyDecisions counts ingest policy outcomes.
	// Labels: stage (gating|moderation|security), decision
	PolicyDecisions *prometheus.CounterVec

	// ActiveRooms gauges currently running room actors.
	ActiveRooms prometheus.Gauge

	// IngestDuration measures end-to-end ingest latency in seconds.
	IngestDuration prometheus.Histogram
}

// NewMetrics creates metrics registered on the given registerer. A nil
// registerer uses the default prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "messages_total",
			Help:      "Messages processed by channel and direction.",
		}, []string{"channel", "direction"}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "delivery_attempts_total",
			Help:      "Outbound adapter calls by operation and outcome.",
		}, []string{"operation", "outcome"}),

		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "delivery_retries_total",
			Help:      "Outbound retries scheduled per partition.",
		}, []string{"partition"}),

		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dead_letters_total",
			Help:      "Dead-letter records captured by category.",
		}, []string{"category"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "messaging",
			Name:      "outbound_queue_depth",
			Help:      "Current outbound queue length per partition.",
		}, []string{"partition"}),

		PressureTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "pressure_transitions_total",
			Help:      "Outbound partition pressure level transitions.",
		}, []string{"partition", "level"}),

		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dedup_hits_total",
			Help:      "Duplicate inbound fingerprints suppressed.",
		}),

		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "policy_decisions_total",
			Help:      "Ingest policy decisions by stage.",
		}, []string{"stage", "decision"}),

		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "messaging",
			Name:      "active_rooms",
			Help:      "Room actors currently running.",
		}),

		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end inbound ingest latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// Observe implements MetricsSink, mapping telemetry events onto counters.
func (m *Metrics) Observe(ev Event) {
	if m == nil {
		return
	}
	switch ev.Name {
	case EventMessageReceived:
		m.MessageCounter.WithLabelValues(stringData(ev, "channel"), "inbound").Inc()
	case EventMessageSent:
		m.MessageCounter.WithLabelValues(stringData(ev, "channel"), "outbound").Inc()
	case EventDeliveryRetryScheduled:
		m.DeliveryRetries.WithLabelValues(stringData(ev, "partition")).Inc()
	case EventDeadLetterCaptured:
		m.DeadLetters.WithLabelValues(stringData(ev, "category")).Inc()
	case EventGatewayPressure:
		m.PressureTransitions.WithLabelValues(stringData(ev, "partition"), stringData(ev, "level")).Inc()
	case EventIngestPolicyDecision, EventSecurityDecision:
		m.PolicyDecisions.WithLabelValues(stringData(ev, "stage"), stringData(ev, "decision")).Inc()
	}
}

func stringData(ev Event, key string) string {
	if ev.Data == nil {
		return ""
	}
	if s, ok := ev.Data[key].(string); ok {
		return s
	}
	return ""
}
