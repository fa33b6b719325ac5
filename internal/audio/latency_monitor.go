package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LatencyMonitor tracks playback latency, jitter and its short-term trend
// for the quality scaler.
type LatencyMonitor struct {
	// Atomic fields MUST be first for ARM32 alignment (int64 fields need 8-byte alignment)
	currentLatency    int64 // nanoseconds (atomic)
	averageLatency    int64 // EMA in nanoseconds (atomic)
	minLatency        int64 // nanoseconds (atomic)
	maxLatency        int64 // nanoseconds (atomic)
	latencySamples    int64 // (atomic)
	jitterAccumulator int64 // (atomic)

	historySize int
	logger      zerolog.Logger

	latencyHistory []LatencyMeasurement
	historyMutex   sync.RWMutex
}

// LatencyMeasurement represents a single latency measurement
type LatencyMeasurement struct {
	Timestamp time.Time
	Latency   time.Duration
	Jitter    time.Duration
}

// LatencyMetrics provides latency statistics
type LatencyMetrics struct {
	Current     time.Duration
	Average     time.Duration
	Min         time.Duration
	Max         time.Duration
	Jitter      time.Duration
	SampleCount int64
	Trend       LatencyTrend
}

// LatencyTrend indicates the direction of latency changes
type LatencyTrend int

const (
	LatencyTrendStable LatencyTrend = iota
	LatencyTrendIncreasing
	LatencyTrendDecreasing
	LatencyTrendVolatile
)

func (t LatencyTrend) String() string {
	switch t {
	case LatencyTrendIncreasing:
		return "increasing"
	case LatencyTrendDecreasing:
		return "decreasing"
	case LatencyTrendVolatile:
		return "volatile"
	default:
		return "stable"
	}
}

const trendSampleCount = 10

// NewLatencyMonitor creates a latency monitor keeping historySize measurements
func NewLatencyMonitor(historySize int, logger zerolog.Logger) *LatencyMonitor {
	if historySize < trendSampleCount {
		historySize = trendSampleCount
	}
	return &LatencyMonitor{
		historySize:    historySize,
		logger:         logger.With().Str("component", "latency-monitor").Logger(),
		latencyHistory: make([]LatencyMeasurement, 0, historySize),
		minLatency:     int64(time.Hour),
	}
}

// RecordLatency records a new latency measurement
func (lm *LatencyMonitor) RecordLatency(latency time.Duration, at time.Time) {
	latencyNanos := latency.Nanoseconds()

	atomic.StoreInt64(&lm.currentLatency, latencyNanos)
	samples := atomic.AddInt64(&lm.latencySamples, 1)

	for {
		oldMin := atomic.LoadInt64(&lm.minLatency)
		if latencyNanos >= oldMin || atomic.CompareAndSwapInt64(&lm.minLatency, oldMin, latencyNanos) {
			break
		}
	}
	for {
		oldMax := atomic.LoadInt64(&lm.maxLatency)
		if latencyNanos <= oldMax || atomic.CompareAndSwapInt64(&lm.maxLatency, oldMax, latencyNanos) {
			break
		}
	}

	// Alpha = 0.1, first sample seeds the average
	newAvg := latencyNanos
	if samples > 1 {
		oldAvg := atomic.LoadInt64(&lm.averageLatency)
		newAvg = oldAvg + (latencyNanos-oldAvg)/10
	}
	atomic.StoreInt64(&lm.averageLatency, newAvg)

	jitter := latencyNanos - newAvg
	if jitter < 0 {
		jitter = -jitter
	}
	atomic.AddInt64(&lm.jitterAccumulator, jitter)

	lm.historyMutex.Lock()
	measurement := LatencyMeasurement{Timestamp: at, Latency: latency, Jitter: time.Duration(jitter)}
	if len(lm.latencyHistory) >= lm.historySize {
		copy(lm.latencyHistory, lm.latencyHistory[1:])
		lm.latencyHistory[len(lm.latencyHistory)-1] = measurement
	} else {
		lm.latencyHistory = append(lm.latencyHistory, measurement)
	}
	lm.historyMutex.Unlock()
}

// GetMetrics returns current latency metrics
func (lm *LatencyMonitor) GetMetrics() LatencyMetrics {
	samples := atomic.LoadInt64(&lm.latencySamples)
	jitterSum := atomic.LoadInt64(&lm.jitterAccumulator)

	var jitter time.Duration
	if samples > 0 {
		jitter = time.Duration(jitterSum / samples)
	}
	min := atomic.LoadInt64(&lm.minLatency)
	if samples == 0 {
		min = 0
	}

	return LatencyMetrics{
		Current:     time.Duration(atomic.LoadInt64(&lm.currentLatency)),
		Average:     time.Duration(atomic.LoadInt64(&lm.averageLatency)),
		Min:         time.Duration(min),
		Max:         time.Duration(atomic.LoadInt64(&lm.maxLatency)),
		Jitter:      jitter,
		SampleCount: samples,
		Trend:       lm.calculateTrend(),
	}
}

// calculateTrend analyzes the last ten measurements
func (lm *LatencyMonitor) calculateTrend() LatencyTrend {
	lm.historyMutex.RLock()
	defer lm.historyMutex.RUnlock()

	if len(lm.latencyHistory) < trendSampleCount {
		return LatencyTrendStable
	}
	recent := lm.latencyHistory[len(lm.latencyHistory)-trendSampleCount:]

	var increasing, decreasing int
	for i := 1; i < len(recent); i++ {
		if recent[i].Latency > recent[i-1].Latency {
			increasing++
		} else if recent[i].Latency < recent[i-1].Latency {
			decreasing++
		}
	}

	if increasing > 6 {
		return LatencyTrendIncreasing
	} else if decreasing > 6 {
		return LatencyTrendDecreasing
	} else if increasing+decreasing > 7 {
		return LatencyTrendVolatile
	}
	return LatencyTrendStable
}

// GetLatencyHistory returns a copy of recent latency measurements
func (lm *LatencyMonitor) GetLatencyHistory() []LatencyMeasurement {
	lm.historyMutex.RLock()
	defer lm.historyMutex.RUnlock()

	history := make([]LatencyMeasurement, len(lm.latencyHistory))
	copy(history, lm.latencyHistory)
	return history
}

// Reset clears all measurements
func (lm *LatencyMonitor) Reset() {
	atomic.StoreInt64(&lm.currentLatency, 0)
	atomic.StoreInt64(&lm.averageLatency, 0)
	atomic.StoreInt64(&lm.minLatency, int64(time.Hour))
	atomic.StoreInt64(&lm.maxLatency, 0)
	atomic.StoreInt64(&lm.latencySamples, 0)
	atomic.StoreInt64(&lm.jitterAccumulator, 0)

	lm.historyMutex.Lock()
	lm.latencyHistory = lm.latencyHistory[:0]
	lm.historyMutex.Unlock()
	lm.logger.Debug().Msg("latency monitor reset")
}
