package audio

import (
	"fmt"
	"time"
)

// ScalerConfig centralizes the thresholds used by the QualityScaler.
// Each group documents where it is used and how it shapes adaptation.
type ScalerConfig struct {
	// InitialLevel is the level a new or reset scaler starts at.
	// Used in: NewQualityScaler, Reset
	InitialLevel QualityLevel

	// Per-metric vote thresholds. Each slice holds four ascending bounds; a
	// reading at or below bound i votes for level Ultra-i, anything above the
	// last bound votes for Minimal.
	// Used in: decision.go voteFor* helpers
	// Impact: tighter bounds degrade earlier and recover later.
	LatencyThresholds []time.Duration
	DropoutThresholds []int
	CPUThresholds     []float64
	MemoryThresholds  []float64

	// Hard critical thresholds trip emergency mode directly, bypassing the
	// one-step limiter.
	// Used in: QualityScaler.UpdatePerformanceMetrics
	CriticalLatency  time.Duration
	CriticalDropouts int
	CriticalCPU      float64
	CriticalMemory   float64

	// JitterThreshold lowers the latency vote by one level when the latency
	// monitor reports jitter above it.
	// Used in: decision.go
	JitterThreshold time.Duration

	// Battery caps. Below LowBatteryLevel (not charging) the target is capped at
	// Low; below ReducedBatteryLevel it is capped at Medium.
	// Used in: decision.go powerCeiling
	LowBatteryLevel     float64
	ReducedBatteryLevel float64

	// Predictive optimization.
	// PredictionWindow is the rolling sample history size, TrendLength is the
	// number of consecutive samples that must agree on a direction, and
	// PredictionHorizon is how many later evaluations may confirm a prediction.
	// TrendEpsilon is the minimum load score change counted as movement.
	// Used in: predictor.go
	PredictionEnabled bool
	PredictionWindow  int
	TrendLength       int
	PredictionHorizon int
	TrendEpsilon      float64

	// StabilityWindow is the number of recent levels used for stability,
	// variance and average level metrics.
	// Used in: scaler_metrics.go
	StabilityWindow int

	// RecoveryCeiling is the highest level the first evaluation after emergency
	// deactivation may jump to.
	// Used in: QualityScaler.DeactivateEmergencyMode
	RecoveryCeiling QualityLevel
}

// DefaultScalerConfig returns the thresholds tuned for mobile playback
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		InitialLevel: QualityHigh,

		// Rationale: 15ms is below audible monitoring delay, 100ms is the point
		// where practice feedback feels detached from playing.
		LatencyThresholds: []time.Duration{15 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond},
		DropoutThresholds: []int{0, 2, 5, 10},
		CPUThresholds:     []float64{0.30, 0.50, 0.70, 0.85},
		MemoryThresholds:  []float64{0.40, 0.60, 0.75, 0.90},

		CriticalLatency:  250 * time.Millisecond,
		CriticalDropouts: 15,
		CriticalCPU:      0.95,
		CriticalMemory:   0.95,

		JitterThreshold: 20 * time.Millisecond,

		LowBatteryLevel:     0.2,
		ReducedBatteryLevel: 0.4,

		PredictionEnabled: true,
		PredictionWindow:  5,
		TrendLength:       3,
		PredictionHorizon: 3,
		TrendEpsilon:      0.02,

		StabilityWindow: 20,
		RecoveryCeiling: QualityMedium,
	}
}

// Validate checks that the thresholds are well formed
func (c ScalerConfig) Validate() error {
	if !c.InitialLevel.Valid() || !c.RecoveryCeiling.Valid() {
		return fmt.Errorf("%w: initial or recovery level out of range", ErrInvalidConfiguration)
	}
	if len(c.LatencyThresholds) != 4 || len(c.DropoutThresholds) != 4 ||
		len(c.CPUThresholds) != 4 || len(c.MemoryThresholds) != 4 {
		return fmt.Errorf("%w: vote thresholds need exactly four bounds", ErrInvalidConfiguration)
	}
	for i := 1; i < 4; i++ {
		if c.LatencyThresholds[i] < c.LatencyThresholds[i-1] ||
			c.DropoutThresholds[i] < c.DropoutThresholds[i-1] ||
			c.CPUThresholds[i] < c.CPUThresholds[i-1] ||
			c.MemoryThresholds[i] < c.MemoryThresholds[i-1] {
			return fmt.Errorf("%w: vote thresholds must be ascending", ErrInvalidConfiguration)
		}
	}
	if c.CriticalLatency <= 0 || c.CriticalDropouts <= 0 || c.CriticalCPU <= 0 || c.CriticalMemory <= 0 {
		return fmt.Errorf("%w: critical thresholds must be positive", ErrInvalidConfiguration)
	}
	if c.LowBatteryLevel < 0 || c.ReducedBatteryLevel > 1 || c.LowBatteryLevel > c.ReducedBatteryLevel {
		return fmt.Errorf("%w: battery thresholds out of range", ErrInvalidConfiguration)
	}
	if c.PredictionWindow < c.TrendLength || c.TrendLength < 2 || c.PredictionHorizon < 1 {
		return fmt.Errorf("%w: prediction window too small", ErrInvalidConfiguration)
	}
	if c.StabilityWindow < 2 {
		return fmt.Errorf("%w: stability window too small", ErrInvalidConfiguration)
	}
	return nil
}
