package audio

import (
	"sort"
	"time"
)

// Signal names used in decision reasoning
const (
	FactorLatency    = "latency"
	FactorDropouts   = "dropouts"
	FactorCPU        = "cpu"
	FactorMemory     = "memory"
	FactorBattery    = "battery"
	FactorThermal    = "thermal"
	FactorCapability = "capability"
	FactorUser       = "user-preference"
)

// QualityDecision is the outcome of one quality evaluation.
type QualityDecision struct {
	Target     QualityLevel      `json:"target"`
	Confidence float64           `json:"confidence"`
	Reasoning  DecisionReasoning `json:"reasoning"`
	// Direction is -1 when a signal degraded or a ceiling forced the level
	// down, +1 when all signals agreed on an upgrade, 0 otherwise.
	Direction int `json:"direction"`
}

// DecisionReasoning explains which inputs shaped a decision.
type DecisionReasoning struct {
	PrimaryFactors []string                `json:"primaryFactors"`
	Weights        map[string]float64      `json:"weights"`
	Votes          map[string]QualityLevel `json:"votes"`
	Ceiling        QualityLevel            `json:"ceiling"`
}

type decisionInput struct {
	current     QualityLevel
	sample      PerformanceSample
	jitter      time.Duration
	battery     BatteryState
	thermal     ThermalState
	caps        DeviceCapabilities
	prefs       UserPreferences
	historySize int
}

// voteByThreshold maps a reading onto a level: at or below bounds[i] votes
// Ultra-i, above every bound votes Minimal.
func voteByThreshold[T int | float64 | time.Duration](value T, bounds []T) QualityLevel {
	for i, bound := range bounds {
		if value <= bound {
			return QualityUltra.Step(-i)
		}
	}
	return QualityMinimal
}

func (c ScalerConfig) votes(s PerformanceSample, jitter time.Duration) map[string]QualityLevel {
	latencyVote := voteByThreshold(s.Latency, c.LatencyThresholds)
	if c.JitterThreshold > 0 && jitter > c.JitterThreshold {
		latencyVote = latencyVote.Step(-1)
	}
	return map[string]QualityLevel{
		FactorLatency:  latencyVote,
		FactorDropouts: voteByThreshold(s.DropoutCount+s.BufferUnderruns, c.DropoutThresholds),
		FactorCPU:      voteByThreshold(s.CPUUsage, c.CPUThresholds),
		FactorMemory:   voteByThreshold(s.MemoryUsage, c.MemoryThresholds),
	}
}

// ceilings returns the binding upper bound per limiting factor
func (c ScalerConfig) ceilings(in decisionInput) map[string]QualityLevel {
	result := map[string]QualityLevel{
		FactorCapability: in.caps.CapabilityCeiling(),
		FactorBattery:    QualityUltra,
		FactorThermal:    QualityUltra,
		FactorUser:       in.prefs.MaxLevel,
	}

	if !in.battery.Charging {
		switch {
		case in.battery.Level < c.LowBatteryLevel:
			result[FactorBattery] = QualityLow
		case in.battery.Level < c.ReducedBatteryLevel:
			result[FactorBattery] = QualityMedium
		}
	}
	if in.battery.LowPowerModeEnabled || in.battery.PowerMode == PowerModePowerSaver {
		result[FactorBattery] = minLevel(result[FactorBattery], QualityMedium)
	}
	if in.prefs.PrioritizeBattery && !in.battery.Charging {
		result[FactorBattery] = minLevel(result[FactorBattery], QualityHigh)
	}

	switch in.thermal {
	case ThermalFair:
		result[FactorThermal] = QualityHigh
	case ThermalSerious:
		result[FactorThermal] = QualityMedium
	case ThermalCritical:
		result[FactorThermal] = QualityMinimal
	}
	return result
}

// decide fuses the performance vote, device ceiling, power and thermal bias
// and user preference into one target level.
func (c ScalerConfig) decide(in decisionInput) QualityDecision {
	votes := c.votes(in.sample, in.jitter)

	// Most conservative degrading signal wins; upgrades need every signal to agree.
	target := in.current
	direction := 0
	lowest := QualityUltra
	allAbove := true
	for _, v := range votes {
		lowest = minLevel(lowest, v)
		if v <= in.current {
			allAbove = false
		}
	}
	if lowest < in.current {
		target = lowest
		direction = -1
	} else if allAbove {
		target = lowest
		direction = 1
	}

	ceilings := c.ceilings(in)
	ceiling := QualityUltra
	for _, limit := range ceilings {
		ceiling = minLevel(ceiling, limit)
	}
	if target > ceiling {
		target = ceiling
	}
	// a battery, thermal or user ceiling below the current level is a downgrade
	if target < in.current {
		direction = -1
	} else if target == in.current {
		direction = 0
	}
	// The user floor only lifts the target while no signal is degrading.
	if direction >= 0 && target < in.prefs.MinLevel {
		target = minLevel(in.prefs.MinLevel, ceiling)
	}

	weights := make(map[string]float64, len(votes)+len(ceilings))
	for name, v := range votes {
		weights[name] = absInt(int(v)-int(in.current)) + 0.1
	}
	for name, limit := range ceilings {
		if limit < in.current || (limit == ceiling && ceiling < QualityUltra) {
			weights[name] = absInt(int(limit)-int(in.current)) + 1
		}
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	for name := range weights {
		weights[name] /= total
	}

	return QualityDecision{
		Target:     target,
		Confidence: confidenceFor(votes, target, in.historySize, c.PredictionWindow),
		Direction:  direction,
		Reasoning: DecisionReasoning{
			PrimaryFactors: primaryFactors(weights),
			Weights:        weights,
			Votes:          votes,
			Ceiling:        ceiling,
		},
	}
}

// confidenceFor blends vote agreement with how much history backs the decision
func confidenceFor(votes map[string]QualityLevel, target QualityLevel, historySize, window int) float64 {
	if len(votes) == 0 {
		return 0
	}
	spread := 0.0
	for _, v := range votes {
		spread += absInt(int(v) - int(target))
	}
	agreement := 1 - spread/float64(len(votes)*int(QualityUltra))

	history := 1.0
	if window > 0 && historySize < window {
		history = float64(historySize) / float64(window)
	}
	return clamp01(0.7*agreement + 0.3*history)
}

func primaryFactors(weights map[string]float64) []string {
	type kv struct {
		name   string
		weight float64
	}
	ranked := make([]kv, 0, len(weights))
	for name, w := range weights {
		ranked = append(ranked, kv{name, w})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight == ranked[j].weight {
			return ranked[i].name < ranked[j].name
		}
		return ranked[i].weight > ranked[j].weight
	})

	var factors []string
	for i, entry := range ranked {
		if i >= 3 || (i > 0 && entry.weight < ranked[0].weight*0.5) {
			break
		}
		factors = append(factors, entry.name)
	}
	return factors
}

// criticalReason returns a non-empty reason when the sample crosses a hard threshold
func (c ScalerConfig) criticalReason(s PerformanceSample) string {
	switch {
	case s.DropoutCount >= c.CriticalDropouts:
		return "critical dropout count"
	case s.CPUUsage >= c.CriticalCPU:
		return "critical cpu usage"
	case s.MemoryUsage >= c.CriticalMemory:
		return "critical memory usage"
	case s.Latency >= c.CriticalLatency:
		return "critical latency"
	default:
		return ""
	}
}

func absInt(v int) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
