package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the delivery collectors.
	Registry = prometheus.NewRegistry()

	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_delivery_fetches_total",
			Help: "Asset fetch attempts by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audioengine_delivery_fetch_duration_seconds",
			Help:    "Latency of successful asset fetches",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"route"},
	)

	assetsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_delivery_assets_failed_total",
			Help: "Assets that could not be delivered by failure kind",
		},
		[]string{"kind"},
	)

	loadingProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_delivery_progress_percent",
			Help: "Percentage of assets finished in the current batch",
		},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audioengine_delivery_batch_duration_seconds",
			Help:    "Wall time spent delivering one manifest",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		fetchesTotal,
		fetchDuration,
		assetsFailedTotal,
		loadingProgress,
		batchDuration,
	)
}
