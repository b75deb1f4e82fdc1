package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Event bus
	EventsPublished   *prometheus.CounterVec
	DispatchQueueSize prometheus.Gauge
	DispatchLatency   prometheus.Histogram
	HandlerFailures   *prometheus.CounterVec
	EventsPurged      prometheus.Counter

	// Notifications
	NotificationsCreated    *prometheus.CounterVec
	NotificationsSuppressed *prometheus.CounterVec
	DeliveryAttempts        *prometheus.CounterVec
	NotificationsFailed     prometheus.Counter
	RetriesScheduled        *prometheus.CounterVec

	// Realtime
	RealtimeConnections prometheus.Gauge
	RealtimePushes      *prometheus.CounterVec
	RealtimeBuffered    prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates and registers all application metrics on reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events persisted by the bus",
		}, []string{"type"}),
		DispatchQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatch_queue_size",
			Help:      "Events persisted but not yet dispatched to subscribers",
		}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent matching and invoking handlers for one event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Subscriber handler errors and timeouts",
		}, []string{"reason"}),
		EventsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "purged_total",
			Help:      "Events deleted by the retention job",
		}),

		NotificationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "Notifications produced by routing",
		}, []string{"type"}),
		NotificationsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "suppressed_total",
			Help:      "Candidate notifications dropped by user preferences",
		}, []string{"reason"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		NotificationsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dead_lettered_total",
			Help:      "Notifications that exhausted every retry",
		}),
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "retries_scheduled_total",
			Help:      "Retries put on the delayed queue",
		}, []string{"channel"}),

		RealtimeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live realtime connections held by this instance",
		}),
		RealtimePushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "pushes_total",
			Help:      "Realtime push outcomes",
		}, []string{"outcome"}),
		RealtimeBuffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "buffered_total",
			Help:      "Messages buffered for offline users",
		}),

		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

// NewNoop registers on a private registry; used by tests and tools that don't expose /metrics.
func NewNoop() *Metrics {
	return New("eventhub", prometheus.NewRegistry())
}
