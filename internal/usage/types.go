// Package usage turns sample access events into per-sample usage models that
// drive prefetch and eviction decisions.
package usage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingSampleID = errors.New("access event missing sample id")
	ErrInvalidConfig   = errors.New("invalid analyzer configuration")
)

// AccessEvent is one observed use of a sample.
type AccessEvent struct {
	SampleID        string        `json:"sampleId"`
	Category        string        `json:"category,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	SessionDuration time.Duration `json:"sessionDuration,omitempty"`
	QualityLevel    string        `json:"qualityLevel,omitempty"`
}

// UsagePattern is the model kept for one sample.
type UsagePattern struct {
	SampleID               string             `json:"sampleId"`
	Category               string             `json:"category,omitempty"`
	AccessCount            int64              `json:"accessCount"`
	Frequency              float64            `json:"frequency"` // accesses per minute, smoothed
	LastAccessed           time.Time          `json:"lastAccessed"`
	LastAnalyzed           time.Time          `json:"lastAnalyzed"`
	RecentAccesses         []time.Time        `json:"recentAccesses"`
	TimeOfDay              [24]float64        `json:"timeOfDay"`
	DayOfWeek              [7]float64         `json:"dayOfWeek"`
	CategoryAffinity       map[string]float64 `json:"categoryAffinity"`
	SequentialPatterns     []string           `json:"sequentialPatterns"`
	QualityProfile         string             `json:"qualityProfile,omitempty"`
	QualityCounts          map[string]int64   `json:"qualityCounts,omitempty"`
	AverageSessionDuration time.Duration      `json:"averageSessionDuration"`
}

func (p UsagePattern) clone() UsagePattern {
	out := p
	out.RecentAccesses = append([]time.Time(nil), p.RecentAccesses...)
	out.SequentialPatterns = append([]string(nil), p.SequentialPatterns...)
	out.CategoryAffinity = make(map[string]float64, len(p.CategoryAffinity))
	for k, v := range p.CategoryAffinity {
		out.CategoryAffinity[k] = v
	}
	out.QualityCounts = make(map[string]int64, len(p.QualityCounts))
	for k, v := range p.QualityCounts {
		out.QualityCounts[k] = v
	}
	return out
}

// RecommendationAction is what a cache should do with a sample.
type RecommendationAction int

const (
	ActionPreload RecommendationAction = iota
	ActionEvict
	ActionQualityAdjust
)

func (a RecommendationAction) String() string {
	switch a {
	case ActionPreload:
		return "preload"
	case ActionEvict:
		return "evict"
	case ActionQualityAdjust:
		return "quality-adjust"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MarshalText encodes the action by name
func (a RecommendationAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// CacheRecommendation is one ranked cache action.
type CacheRecommendation struct {
	SampleID   string               `json:"sampleId"`
	Action     RecommendationAction `json:"action"`
	Confidence float64              `json:"confidence"`
	Reason     string               `json:"reason"`
	// TargetQuality is set for quality-adjust recommendations.
	TargetQuality string `json:"targetQuality,omitempty"`
}

// Prediction is a likely upcoming access.
type Prediction struct {
	SampleID              string        `json:"sampleId"`
	Confidence            float64       `json:"confidence"`
	EstimatedTimeToAccess time.Duration `json:"estimatedTimeToAccess"`
}

// AnalysisResult summarizes the pattern table at one point in time.
type AnalysisResult struct {
	ActivePatterns      int                   `json:"activePatterns"`
	TotalPatterns       int                   `json:"totalPatterns"`
	AverageFrequency    float64               `json:"averageFrequency"`
	PeakHours           [3]int                `json:"peakHours"`
	QualityDistribution map[string]int        `json:"qualityDistribution"`
	SequenceChains      [][2]string           `json:"sequenceChains"`
	Recommendations     []CacheRecommendation `json:"recommendations"`
	CompletedAt         time.Time             `json:"completedAt"`
	Duration            time.Duration         `json:"duration"`
}

// QualityAdjustPolicy may propose a quality change for a pattern.
type QualityAdjustPolicy func(p UsagePattern) (CacheRecommendation, bool)

// AnalyzerConfig bounds the analyzer's memory and sets its thresholds.
type AnalyzerConfig struct {
	AnalysisWindow    time.Duration `mapstructure:"analysis_window"`
	MaxRecentAccesses int           `mapstructure:"max_recent_accesses"`
	MaxPatterns       int           `mapstructure:"max_patterns"`
	SequenceWindow    int           `mapstructure:"sequence_window"`
	MaxSequence       int           `mapstructure:"max_sequence"`
	HistogramCap      float64       `mapstructure:"histogram_cap"`

	FrequencyDecay   float64 `mapstructure:"frequency_decay"`
	FrequencySamples int     `mapstructure:"frequency_samples"`

	PreloadThreshold float64 `mapstructure:"preload_threshold"`
	MaxPreloads      int     `mapstructure:"max_preloads"`
	EvictFrequency   float64 `mapstructure:"evict_frequency"`
}

// DefaultAnalyzerConfig returns the standard bounds
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		AnalysisWindow:    30 * time.Minute,
		MaxRecentAccesses: 50,
		MaxPatterns:       1000,
		SequenceWindow:    5,
		MaxSequence:       10,
		HistogramCap:      1000,
		FrequencyDecay:    0.5,
		FrequencySamples:  32,
		PreloadThreshold:  0.6,
		MaxPreloads:       5,
		EvictFrequency:    0.05,
	}
}

// Validate rejects non-positive bounds
func (c AnalyzerConfig) Validate() error {
	switch {
	case c.AnalysisWindow <= 0:
		return fmt.Errorf("%w: analysis window must be positive", ErrInvalidConfig)
	case c.MaxRecentAccesses < 1 || c.MaxPatterns < 1:
		return fmt.Errorf("%w: recent access and pattern caps must be positive", ErrInvalidConfig)
	case c.SequenceWindow < 1 || c.MaxSequence < 1:
		return fmt.Errorf("%w: sequence bounds must be positive", ErrInvalidConfig)
	case c.HistogramCap <= 1:
		return fmt.Errorf("%w: histogram cap %.1f", ErrInvalidConfig, c.HistogramCap)
	case c.FrequencyDecay < 0 || c.FrequencyDecay >= 1 || c.FrequencySamples < 1:
		return fmt.Errorf("%w: frequency smoothing", ErrInvalidConfig)
	case c.PreloadThreshold < 0 || c.PreloadThreshold > 1:
		return fmt.Errorf("%w: preload threshold %.2f", ErrInvalidConfig, c.PreloadThreshold)
	case c.MaxPreloads < 0 || c.EvictFrequency < 0:
		return fmt.Errorf("%w: negative recommendation bounds", ErrInvalidConfig)
	}
	return nil
}
