// Package metric centralizes the bridge's Prometheus instrumentation so
// that every component shares one registry and a consistent namespace.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all bridge-level Prometheus collectors.
type Metrics struct {
	// Filter pipeline metrics
	FilterProcessed  *prometheus.CounterVec
	FilterBlocked    *prometheus.CounterVec
	FilterFaults     *prometheus.CounterVec
	FilterRedactions *prometheus.CounterVec
	FilterDuration   *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter

	// Broker metrics
	MessagesSubmitted prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesFannedOut prometheus.Counter
	QueueDrops        prometheus.Counter
	InFlight          prometheus.Gauge
	SessionsLive      prometheus.Gauge

	// Child process metrics
	ChildUp prometheus.Gauge
}

// New creates all collectors under the "mcpbridge" namespace.
func New() *Metrics {
	return &Metrics{
		FilterProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Subsystem: "filter",
				Name:      "processed_total",
				Help:      "Messages processed per filter and direction",
			},
			[]string{"filter", "direction"},
		),
		FilterBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Subsystem: "filter",
				Name:      "blocked_total",
				Help:      "Messages blocked per filter and direction",
			},
			[]string{"filter", "direction"},
		),
		FilterFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Subsystem: "filter",
				Name:      "faults_total",
				Help:      "Recovered filter faults (fail-open) per filter",
			},
			[]string{"filter"},
		),
		FilterRedactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Subsystem: "filter",
				Name:      "redactions_total",
				Help:      "Redactions applied, by kind",
			},
			[]string{"kind"},
		),
		FilterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpbridge",
				Subsystem: "filter",
				Name:      "duration_seconds",
				Help:      "Pipeline execution duration per direction",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "filter",
			Name:      "cache_hits_total",
			Help:      "Filter result cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "filter",
			Name:      "cache_misses_total",
			Help:      "Filter result cache misses",
		}),
		MessagesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "broker",
			Name:      "submitted_total",
			Help:      "Client messages submitted toward the child process",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Correlated responses delivered to their owning session",
		}),
		MessagesFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "broker",
			Name:      "fanned_out_total",
			Help:      "Notifications fanned out (counted once per message)",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "broker",
			Name:      "queue_drops_total",
			Help:      "Frames dropped because a session queue was full",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Subsystem: "broker",
			Name:      "in_flight",
			Help:      "Requests currently holding an in-flight permit",
		}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Subsystem: "sessions",
			Name:      "live",
			Help:      "Live sessions in the registry",
		}),
		ChildUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Subsystem: "child",
			Name:      "up",
			Help:      "Whether the child process read loop is running",
		}),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.FilterProcessed,
		m.FilterBlocked,
		m.FilterFaults,
		m.FilterRedactions,
		m.FilterDuration,
		m.CacheHits,
		m.CacheMisses,
		m.MessagesSubmitted,
		m.MessagesDelivered,
		m.MessagesFannedOut,
		m.QueueDrops,
		m.InFlight,
		m.SessionsLive,
		m.ChildUp,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
