package audio

import (
	"time"

	"github.com/groovelab/audioengine/internal/stats"
)

// QualityScalerMetrics are cumulative adaptation statistics.
type QualityScalerMetrics struct {
	TotalAdaptations      int64     `json:"totalAdaptations"`
	SuccessfulAdaptations int64     `json:"successfulAdaptations"`
	EmergencyActivations  int64     `json:"emergencyActivations"`
	QualityStability      float64   `json:"qualityStability"`
	QualityVariance       float64   `json:"qualityVariance"`
	PredictionAccuracy    float64   `json:"predictionAccuracy"`
	AverageQualityLevel   float64   `json:"averageQualityLevel"`
	UserSatisfactionScore float64   `json:"userSatisfactionScore"`
	LastAdaptation        time.Time `json:"lastAdaptation"`
}

// levelTracker keeps the recent level history behind the derived metrics
type levelTracker struct {
	levels *stats.Rolling
}

func newLevelTracker(window int) *levelTracker {
	// decay 0.8 gives the EMA of level ordinal a horizon of roughly five cycles
	return &levelTracker{levels: stats.MustRolling(window, 0.8)}
}

func (lt *levelTracker) observe(level QualityLevel) {
	lt.levels.Add(float64(level))
}

// stability is 1 - changes/transitions over the window
func (lt *levelTracker) stability() float64 {
	samples := lt.levels.Samples()
	if len(samples) < 2 {
		return 1
	}
	changes := 0
	for i := 1; i < len(samples); i++ {
		if samples[i] != samples[i-1] {
			changes++
		}
	}
	return 1 - float64(changes)/float64(len(samples)-1)
}

func (lt *levelTracker) refresh(m *QualityScalerMetrics, predictionAccuracy float64) {
	m.QualityStability = lt.stability()
	m.QualityVariance = lt.levels.Variance()
	m.AverageQualityLevel = lt.levels.Value()
	m.PredictionAccuracy = predictionAccuracy

	levelRatio := m.AverageQualityLevel / float64(QualityUltra)
	emergencyPenalty := float64(min(m.EmergencyActivations, 5)) / 5 * 0.2
	m.UserSatisfactionScore = clamp01(0.6*levelRatio + 0.4*m.QualityStability - emergencyPenalty)
}

func (lt *levelTracker) reset() {
	lt.levels.Reset()
}
