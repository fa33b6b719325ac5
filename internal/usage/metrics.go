package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the usage analyzer collectors.
	Registry = prometheus.NewRegistry()

	accessesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audioengine_usage_accesses_total",
			Help: "Access events folded into usage patterns",
		},
	)

	droppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audioengine_usage_dropped_events_total",
			Help: "Access events dropped for missing required fields",
		},
	)

	trackedPatterns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_usage_patterns",
			Help: "Usage patterns currently tracked",
		},
	)

	activePatterns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_usage_active_patterns",
			Help: "Patterns accessed within the last analysis window",
		},
	)

	analysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audioengine_usage_analysis_duration_seconds",
			Help:    "Time spent in a full usage analysis",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	recommendationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_usage_recommendations_total",
			Help: "Cache recommendations emitted by action",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		accessesTotal,
		droppedEventsTotal,
		trackedPatterns,
		activePatterns,
		analysisDuration,
		recommendationsTotal,
	)
}
