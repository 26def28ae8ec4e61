package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	PoolWarm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Subsystem: "pool",
		Name:      "warm",
		Help:      "Number of warm containers ready for a session",
	})

	PoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Subsystem: "pool",
		Name:      "active",
		Help:      "Number of containers bound to an active session",
	})

	PoolBooting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Subsystem: "pool",
		Name:      "booting",
		Help:      "Number of containers waiting on the readiness probe",
	})

	ContainerCreationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloud_browser",
		Subsystem: "pool",
		Name:      "container_creation_errors_total",
		Help:      "Total number of container creation errors",
	})
)

// Session metrics
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Name:      "active_sessions",
		Help:      "Number of currently active sessions",
	})

	SessionsToday = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Name:      "sessions_today",
		Help:      "Sessions started since local midnight",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloud_browser",
		Name:      "sessions_ended_total",
		Help:      "Total ended sessions by reason",
	}, []string{"reason"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloud_browser",
		Name:      "session_duration_seconds",
		Help:      "Actual session durations",
		Buckets:   []float64{10, 30, 60, 120, 180, 240, 300, 600, 1200, 1800},
	})
)

// Queue metrics
var (
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Number of waiting queue entries",
	})

	QueueRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloud_browser",
		Subsystem: "queue",
		Name:      "rate_limited_total",
		Help:      "Queue entries terminated by the per-IP daily limit",
	})
)

// Realtime metrics
var (
	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloud_browser",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Number of connected realtime clients",
	})
)
