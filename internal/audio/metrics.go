package audio

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the quality scaler collectors.
	Registry = prometheus.NewRegistry()

	qualityLevelGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_quality_level",
			Help: "Current quality level ordinal (0=minimal .. 4=ultra)",
		},
	)

	emergencyModeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_quality_emergency_mode",
			Help: "1 while the quality scaler is in emergency mode",
		},
	)

	adaptationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_quality_adaptations_total",
			Help: "Total quality adaptation cycles by outcome",
		},
		[]string{"outcome"},
	)

	emergencyActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audioengine_quality_emergency_activations_total",
			Help: "Total emergency mode activations",
		},
	)

	predictionAccuracyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_quality_prediction_accuracy",
			Help: "Fraction of predictive quality shifts later confirmed",
		},
	)

	qualityStabilityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audioengine_quality_stability",
			Help: "Quality stability over the recent adaptation window (0..1)",
		},
	)
)

func init() {
	Registry.MustRegister(
		qualityLevelGauge,
		emergencyModeGauge,
		adaptationsTotal,
		emergencyActivationsTotal,
		predictionAccuracyGauge,
		qualityStabilityGauge,
	)
}

func recordAdaptationMetrics(outcome string, level QualityLevel, metrics QualityScalerMetrics) {
	adaptationsTotal.WithLabelValues(outcome).Inc()
	qualityLevelGauge.Set(float64(level))
	predictionAccuracyGauge.Set(metrics.PredictionAccuracy)
	qualityStabilityGauge.Set(metrics.QualityStability)
}

func recordEmergencyMetrics(active bool) {
	if active {
		emergencyModeGauge.Set(1)
		emergencyActivationsTotal.Inc()
		qualityLevelGauge.Set(float64(QualityMinimal))
		return
	}
	emergencyModeGauge.Set(0)
}
