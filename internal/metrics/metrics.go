package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counts lifecycle transitions by operation and outcome.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_transitions_total",
			Help: "Total number of listing transitions attempted (by operation and result).",
		},
		[]string{"operation", "result"}, // result = "ok" | error class
	)

	// Measures how long a transition unit takes, including the store commit.
	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_transition_duration_seconds",
			Help:    "Duration of listing transitions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms → ~8s
		},
		[]string{"operation"},
	)

	ActiveListings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_active_listings",
			Help: "Listings created minus listings settled since process start.",
		},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// Commands consumed from RabbitMQ by queue and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_commands_total",
			Help: "Total number of queued commands processed.",
		},
		[]string{"queue", "result"}, // ok | rejected | requeued
	)

	// Pending events found by the outbox relay on its last pass.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_outbox_pending",
			Help: "Committed events awaiting publication at the last relay pass.",
		},
	)

	FeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_feed_clients",
			Help: "Connected websocket feed clients.",
		},
	)

	// Tracks cache hits and misses for secrets.
	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_errors_total",
			Help: "Count of service-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Timestamp of the last successful relay pass (seconds since epoch).
	LastRelayTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_outbox_last_relay_timestamp",
			Help: "Timestamp (unix seconds) of the last successful outbox relay pass.",
		},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not meant for duration tracking
	}
}

func IncTransition(operation, result string) {
	TransitionsTotal.WithLabelValues(operation, result).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCommand(queue, result string) {
	CommandsTotal.WithLabelValues(queue, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastRelay(t time.Time) {
	LastRelayTimestamp.Set(float64(t.Unix()))
}
