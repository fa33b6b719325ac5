package audio

import (
	"errors"
	"math"
)

// Validation errors
var (
	ErrInvalidQualityLevel  = errors.New("invalid audio quality level")
	ErrInvalidSample        = errors.New("invalid performance sample")
	ErrInvalidBatteryState  = errors.New("invalid battery state")
	ErrInvalidThermalState  = errors.New("invalid thermal state")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidPreferences   = errors.New("invalid user preferences")
)

// ValidateQualityLevel validates quality enum values
func ValidateQualityLevel(level QualityLevel) error {
	if !level.Valid() {
		return ErrInvalidQualityLevel
	}
	return nil
}

// ValidatePerformanceSample rejects negative or non-finite telemetry
func ValidatePerformanceSample(s PerformanceSample) error {
	if s.Latency < 0 || s.AverageLatency < 0 || s.MaxLatency < 0 {
		return ErrInvalidSample
	}
	if s.DropoutCount < 0 || s.BufferUnderruns < 0 || s.SampleRate < 0 || s.BufferSize < 0 {
		return ErrInvalidSample
	}
	if !finiteNonNegative(s.CPUUsage) || !finiteNonNegative(s.MemoryUsage) {
		return ErrInvalidSample
	}
	return nil
}

// ValidateBatteryState checks level bounds
func ValidateBatteryState(b BatteryState) error {
	if !finiteNonNegative(b.Level) || b.Level > 1 || !finiteNonNegative(b.DischargingTimeMinutes) {
		return ErrInvalidBatteryState
	}
	return nil
}

// ValidateThermalState checks the enum range
func ValidateThermalState(t ThermalState) error {
	if t < ThermalNominal || t > ThermalCritical {
		return ErrInvalidThermalState
	}
	return nil
}

// ValidateUserPreferences checks level bounds are consistent
func ValidateUserPreferences(p UserPreferences) error {
	if !p.PreferredLevel.Valid() || !p.MinLevel.Valid() || !p.MaxLevel.Valid() {
		return ErrInvalidPreferences
	}
	if p.MinLevel > p.MaxLevel {
		return ErrInvalidPreferences
	}
	return nil
}

// ValidateQualityConfiguration rejects negative values and unknown levels
func ValidateQualityConfiguration(c QualityConfiguration) error {
	if !c.Level.Valid() {
		return ErrInvalidQualityLevel
	}
	if c.SampleRate <= 0 || c.BufferSize <= 0 || c.BitDepth <= 0 || c.MaxPolyphony <= 0 || c.MemoryLimitMB <= 0 {
		return ErrInvalidConfiguration
	}
	if !finiteNonNegative(c.CompressionRatio) || c.CompressionRatio > 1 {
		return ErrInvalidConfiguration
	}
	if !finiteNonNegative(c.EstimatedBatteryImpact) || !finiteNonNegative(c.EstimatedCPUUsage) {
		return ErrInvalidConfiguration
	}
	return nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
