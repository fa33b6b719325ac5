package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmergencyActive is returned by manual level changes while emergency mode
// pins the scaler at minimal quality.
var ErrEmergencyActive = errors.New("quality scaler is in emergency mode")

// ConfigurationListener is notified after every published configuration change
type ConfigurationListener func(previous, current QualityConfiguration)

// AdaptationResult describes what one adaptation call did.
type AdaptationResult struct {
	Previous  QualityLevel     `json:"previous"`
	Current   QualityLevel     `json:"current"`
	Changed   bool             `json:"changed"`
	Reason    string           `json:"reason"`
	Emergency bool             `json:"emergency"`
	Predicted bool             `json:"predicted"`
	Decision  *QualityDecision `json:"decision,omitempty"`
	Err       error            `json:"-"`
}

// QualityScaler owns the authoritative QualityConfiguration. Telemetry may
// arrive from any goroutine; evaluations are serialized and the published
// configuration is swapped atomically so readers never see a partial update.
type QualityScaler struct {
	config     atomic.Pointer[QualityConfiguration]
	emergency  atomic.Bool
	autoAdjust atomic.Bool

	mu              sync.Mutex
	cfg             ScalerConfig
	caps            DeviceCapabilities
	prefs           UserPreferences
	battery         BatteryState
	thermal         ThermalState
	lastSample      *PerformanceSample
	emergencyReason string
	recoveryPending bool
	lastDecision    QualityDecision
	metrics         QualityScalerMetrics

	latency   *LatencyMonitor
	predictor *trendPredictor
	tracker   *levelTracker

	listenerMu sync.RWMutex
	listeners  []ConfigurationListener

	// changes waiting for listeners, in the order they were published
	notifyMu   sync.Mutex
	pending    []configChange
	delivering bool

	logger zerolog.Logger
	now    func() time.Time
}

// NewQualityScaler creates a scaler starting at cfg.InitialLevel, capped by
// the device capability ceiling.
func NewQualityScaler(cfg ScalerConfig, caps DeviceCapabilities, logger zerolog.Logger) (*QualityScaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	qs := &QualityScaler{
		cfg:       cfg,
		caps:      caps,
		prefs:     DefaultUserPreferences(),
		battery:   DefaultBatteryState(),
		thermal:   ThermalNominal,
		latency:   NewLatencyMonitor(cfg.PredictionWindow*4, logger),
		predictor: newTrendPredictor(cfg),
		tracker:   newLevelTracker(cfg.StabilityWindow),
		logger:    logger.With().Str("component", "quality-scaler").Logger(),
		now:       time.Now,
	}
	qs.autoAdjust.Store(true)
	qs.publishLocked(minLevel(cfg.InitialLevel, caps.CapabilityCeiling()))
	return qs, nil
}

// CurrentConfiguration returns the published configuration
func (qs *QualityScaler) CurrentConfiguration() QualityConfiguration {
	return *qs.config.Load()
}

// CurrentLevel returns the published quality level
func (qs *QualityScaler) CurrentLevel() QualityLevel {
	return qs.config.Load().Level
}

// IsEmergency reports whether emergency mode is active
func (qs *QualityScaler) IsEmergency() bool {
	return qs.emergency.Load()
}

// AutoAdjustmentEnabled reports whether telemetry drives the level
func (qs *QualityScaler) AutoAdjustmentEnabled() bool {
	return qs.autoAdjust.Load()
}

// EnableAutoAdjustment turns automatic evaluation on or off. While off,
// samples are still recorded but only manual changes move the level.
func (qs *QualityScaler) EnableAutoAdjustment(enabled bool) {
	qs.autoAdjust.Store(enabled)
	qs.logger.Info().Bool("enabled", enabled).Msg("automatic quality adjustment toggled")
}

// Capabilities returns the device capabilities the scaler was built with
func (qs *QualityScaler) Capabilities() DeviceCapabilities {
	return qs.caps
}

// Metrics returns a copy of the cumulative metrics
func (qs *QualityScaler) Metrics() QualityScalerMetrics {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.metrics
}

// LastDecision returns the most recent automatic decision
func (qs *QualityScaler) LastDecision() QualityDecision {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.lastDecision
}

// Preferences returns the active user preferences
func (qs *QualityScaler) Preferences() UserPreferences {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.prefs
}

// EmergencyReason returns why emergency mode was entered, empty when inactive
func (qs *QualityScaler) EmergencyReason() string {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.emergencyReason
}

// LatencyMetrics exposes the latency monitor fed by performance samples
func (qs *QualityScaler) LatencyMetrics() LatencyMetrics {
	return qs.latency.GetMetrics()
}

// Subscribe registers a callback for configuration changes
func (qs *QualityScaler) Subscribe(listener ConfigurationListener) {
	qs.listenerMu.Lock()
	qs.listeners = append(qs.listeners, listener)
	qs.listenerMu.Unlock()
}

// UpdatePerformanceMetrics feeds one telemetry sample into the control loop.
// In normal mode the level moves at most one step per call; a sample crossing
// a hard critical threshold trips emergency mode instead.
func (qs *QualityScaler) UpdatePerformanceMetrics(sample PerformanceSample) AdaptationResult {
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	result := qs.adaptLocked(sample)
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.deliver()
	return result
}

func (qs *QualityScaler) adaptLocked(sample PerformanceSample) AdaptationResult {
	current := qs.CurrentLevel()
	result := AdaptationResult{Previous: current, Current: current}
	qs.metrics.TotalAdaptations++

	if err := ValidatePerformanceSample(sample); err != nil {
		result.Reason = "invalid sample"
		result.Err = err
		qs.logger.Warn().Err(err).Interface("sample", sample).Msg("rejected performance sample")
		recordAdaptationMetrics("rejected", current, qs.metrics)
		return result
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = qs.now()
	}
	qs.lastSample = &sample
	qs.latency.RecordLatency(sample.Latency, sample.Timestamp)
	qs.predictor.observe(sample)

	if qs.emergency.Load() {
		result.Reason = "emergency mode active"
		result.Emergency = true
		qs.finishLocked(QualityMinimal)
		recordAdaptationMetrics("held", QualityMinimal, qs.metrics)
		return result
	}

	if reason := qs.criticalLocked(sample); reason != "" {
		qs.activateEmergencyLocked(reason)
		result.Current = QualityMinimal
		result.Changed = current != QualityMinimal
		result.Reason = reason
		result.Emergency = true
		return result
	}

	if !qs.autoAdjust.Load() {
		result.Reason = "automatic adjustment disabled"
		qs.finishLocked(current)
		recordAdaptationMetrics("held", current, qs.metrics)
		return result
	}

	decision := qs.evaluateLocked(sample, current)
	qs.predictor.resolve(decision.Target)

	next := decision.Target
	reason := describeDirection(decision.Direction)
	switch {
	case qs.recoveryPending:
		// First evaluation after emergency may skip past the limiter up to the recovery ceiling.
		if next > current {
			next = minLevel(next, maxLevel(current.Step(1), qs.cfg.RecoveryCeiling))
			reason = "emergency recovery"
		}
		qs.recoveryPending = false
	case next == current && qs.cfg.PredictionEnabled:
		if shifted, ok := qs.predictLocked(decision, current); ok {
			next = shifted
			result.Predicted = true
			reason = "predicted trend"
		}
	}
	if reason != "emergency recovery" {
		// The limiter always wins over both vote and prediction.
		next = limitStep(current, next)
	}

	qs.finishLocked(next)
	result.Current = next
	result.Changed = next != current
	result.Reason = reason
	result.Decision = &decision

	outcome := "held"
	if result.Changed {
		outcome = "changed"
		qs.logger.Info().
			Str("from", current.String()).
			Str("to", next.String()).
			Str("reason", reason).
			Strs("factors", decision.Reasoning.PrimaryFactors).
			Float64("confidence", decision.Confidence).
			Msg("quality level adapted")
	}
	recordAdaptationMetrics(outcome, next, qs.metrics)
	return result
}

// predictLocked proposes a one-step shift against the load trend
func (qs *QualityScaler) predictLocked(decision QualityDecision, current QualityLevel) (QualityLevel, bool) {
	switch qs.predictor.trend() {
	case 1:
		if current > QualityMinimal {
			qs.predictor.record(-1, current)
			return current.Step(-1), true
		}
	case -1:
		if decision.Direction >= 0 && current < decision.Reasoning.Ceiling {
			qs.predictor.record(1, current)
			return current.Step(1), true
		}
	}
	return current, false
}

func (qs *QualityScaler) criticalLocked(sample PerformanceSample) string {
	if reason := qs.cfg.criticalReason(sample); reason != "" {
		return reason
	}
	if qs.thermal == ThermalCritical {
		return "critical thermal state"
	}
	return ""
}

func (qs *QualityScaler) evaluateLocked(sample PerformanceSample, current QualityLevel) QualityDecision {
	decision := qs.cfg.decide(decisionInput{
		current:     current,
		sample:      sample,
		jitter:      qs.latency.GetMetrics().Jitter,
		battery:     qs.battery,
		thermal:     qs.thermal,
		caps:        qs.caps,
		prefs:       qs.prefs,
		historySize: qs.predictor.historySize(),
	})
	qs.lastDecision = decision
	return decision
}

// DetermineOptimalQuality evaluates a sample against the current state
// without changing it.
func (qs *QualityScaler) DetermineOptimalQuality(sample PerformanceSample) QualityDecision {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	current := qs.CurrentLevel()
	return qs.cfg.decide(decisionInput{
		current:     current,
		sample:      sample,
		jitter:      qs.latency.GetMetrics().Jitter,
		battery:     qs.battery,
		thermal:     qs.thermal,
		caps:        qs.caps,
		prefs:       qs.prefs,
		historySize: qs.predictor.historySize(),
	})
}

// ActivateEmergencyMode forces minimal quality immediately
func (qs *QualityScaler) ActivateEmergencyMode(reason string) AdaptationResult {
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	qs.metrics.TotalAdaptations++
	qs.activateEmergencyLocked(reason)
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.deliver()
	return AdaptationResult{
		Previous:  previous.Level,
		Current:   QualityMinimal,
		Changed:   previous.Level != QualityMinimal,
		Reason:    reason,
		Emergency: true,
	}
}

func (qs *QualityScaler) activateEmergencyLocked(reason string) {
	if reason == "" {
		reason = "manual activation"
	}
	previous := qs.CurrentLevel()
	qs.emergency.Store(true)
	qs.emergencyReason = reason
	qs.recoveryPending = false
	qs.metrics.EmergencyActivations++
	qs.finishLocked(QualityMinimal)
	recordEmergencyMetrics(true)

	qs.logger.Warn().
		Str("reason", reason).
		Str("previous_level", previous.String()).
		Int64("activations", qs.metrics.EmergencyActivations).
		Msg("emergency mode activated")
}

// DeactivateEmergencyMode leaves emergency mode and re-evaluates the latest
// sample. The first upward move after deactivation may jump straight to the
// recovery ceiling.
func (qs *QualityScaler) DeactivateEmergencyMode() AdaptationResult {
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	result := AdaptationResult{Previous: previous.Level, Current: previous.Level}

	if !qs.emergency.Load() {
		qs.mu.Unlock()
		result.Reason = "emergency mode not active"
		return result
	}

	qs.metrics.TotalAdaptations++
	qs.emergency.Store(false)
	qs.emergencyReason = ""
	qs.recoveryPending = true
	recordEmergencyMetrics(false)

	next := QualityMinimal
	result.Reason = "emergency deactivated"
	if qs.lastSample != nil && qs.criticalLocked(*qs.lastSample) == "" {
		decision := qs.evaluateLocked(*qs.lastSample, QualityMinimal)
		result.Decision = &decision
		if decision.Target > QualityMinimal {
			next = minLevel(decision.Target, maxLevel(QualityLow, qs.cfg.RecoveryCeiling))
			qs.recoveryPending = false
			result.Reason = "emergency recovery"
		}
	}
	qs.finishLocked(next)
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.logger.Info().Str("level", next.String()).Msg("emergency mode deactivated")
	qs.deliver()

	result.Current = next
	result.Changed = next != previous.Level
	return result
}

// SetQualityLevel sets the level directly, optionally replacing preferences.
// The level is clamped to the preference bounds.
func (qs *QualityScaler) SetQualityLevel(level QualityLevel, prefs *UserPreferences) error {
	if err := ValidateQualityLevel(level); err != nil {
		return err
	}
	if prefs != nil {
		if err := ValidateUserPreferences(*prefs); err != nil {
			return err
		}
	}

	qs.mu.Lock()
	if qs.emergency.Load() {
		qs.mu.Unlock()
		return ErrEmergencyActive
	}
	previous := qs.CurrentConfiguration()
	if prefs != nil {
		qs.prefs = *prefs
	}
	level = clampLevel(maxLevel(qs.prefs.MinLevel, minLevel(level, qs.prefs.MaxLevel)))
	qs.metrics.TotalAdaptations++
	qs.finishLocked(level)
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.logger.Info().Str("from", previous.Level.String()).Str("to", level.String()).Msg("quality level set manually")
	recordAdaptationMetrics("manual", level, qs.Metrics())
	qs.deliver()
	return nil
}

// SetQualityLevelByName parses a level name and applies it. Unknown names are
// rejected without touching the current state.
func (qs *QualityScaler) SetQualityLevelByName(name string, prefs *UserPreferences) error {
	level, err := ParseQualityLevel(name)
	if err != nil {
		return err
	}
	return qs.SetQualityLevel(level, prefs)
}

// SetUserPreferences replaces the preference bounds used by automatic evaluation
func (qs *QualityScaler) SetUserPreferences(prefs UserPreferences) error {
	if err := ValidateUserPreferences(prefs); err != nil {
		return err
	}
	qs.mu.Lock()
	qs.prefs = prefs
	qs.mu.Unlock()
	return nil
}

// UpdateBatteryState records the battery state used as a downward bias
func (qs *QualityScaler) UpdateBatteryState(state BatteryState) error {
	if err := ValidateBatteryState(state); err != nil {
		return err
	}
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	qs.battery = state
	qs.publishLocked(previous.Level)
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.deliver()
	return nil
}

// UpdateThermalState records the thermal state. A critical state trips
// emergency mode.
func (qs *QualityScaler) UpdateThermalState(state ThermalState) error {
	if err := ValidateThermalState(state); err != nil {
		return err
	}
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	qs.thermal = state
	if state == ThermalCritical && !qs.emergency.Load() {
		qs.metrics.TotalAdaptations++
		qs.activateEmergencyLocked("critical thermal state")
	} else {
		qs.publishLocked(previous.Level)
	}
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	qs.deliver()
	return nil
}

// Reset restores the scaler to its initial state, keeping listeners.
func (qs *QualityScaler) Reset() {
	qs.mu.Lock()
	previous := qs.CurrentConfiguration()
	qs.emergency.Store(false)
	qs.autoAdjust.Store(true)
	qs.prefs = DefaultUserPreferences()
	qs.battery = DefaultBatteryState()
	qs.thermal = ThermalNominal
	qs.lastSample = nil
	qs.emergencyReason = ""
	qs.recoveryPending = false
	qs.lastDecision = QualityDecision{}
	qs.metrics = QualityScalerMetrics{}
	qs.latency.Reset()
	qs.predictor.reset()
	qs.tracker.reset()
	qs.publishLocked(minLevel(qs.cfg.InitialLevel, qs.caps.CapabilityCeiling()))
	current := qs.CurrentConfiguration()
	qs.queueLocked(previous, current)
	qs.mu.Unlock()

	recordEmergencyMetrics(false)
	qs.logger.Info().Msg("quality scaler reset")
	qs.deliver()
}

// finishLocked publishes level and updates the audit metrics
func (qs *QualityScaler) finishLocked(level QualityLevel) {
	qs.publishLocked(level)
	qs.tracker.observe(level)
	qs.metrics.SuccessfulAdaptations++
	qs.metrics.LastAdaptation = qs.now()
	qs.tracker.refresh(&qs.metrics, qs.predictor.accuracy())
}

// publishLocked swaps in the configuration for level if it differs
func (qs *QualityScaler) publishLocked(level QualityLevel) {
	next := buildConfiguration(level, qs.battery, qs.thermal)
	if current := qs.config.Load(); current != nil && *current == next {
		return
	}
	qs.config.Store(&next)
}

type configChange struct {
	previous, current QualityConfiguration
}

// queueLocked records a published change. Callers hold qs.mu so the queue
// follows the order configurations were swapped in.
func (qs *QualityScaler) queueLocked(previous, current QualityConfiguration) {
	if previous == current {
		return
	}
	qs.notifyMu.Lock()
	qs.pending = append(qs.pending, configChange{previous: previous, current: current})
	qs.notifyMu.Unlock()
}

// deliver hands queued changes to listeners one at a time. A caller that finds
// another goroutine delivering leaves its changes to that goroutine.
func (qs *QualityScaler) deliver() {
	qs.notifyMu.Lock()
	if qs.delivering {
		qs.notifyMu.Unlock()
		return
	}
	qs.delivering = true
	qs.notifyMu.Unlock()

	drained := false
	defer func() {
		if !drained {
			qs.notifyMu.Lock()
			qs.delivering = false
			qs.notifyMu.Unlock()
		}
	}()

	for {
		qs.notifyMu.Lock()
		if len(qs.pending) == 0 {
			qs.delivering = false
			qs.notifyMu.Unlock()
			drained = true
			return
		}
		change := qs.pending[0]
		qs.pending = qs.pending[1:]
		qs.notifyMu.Unlock()

		qs.notify(change.previous, change.current)
	}
}

func (qs *QualityScaler) notify(previous, current QualityConfiguration) {
	if previous == current {
		return
	}
	qs.listenerMu.RLock()
	listeners := make([]ConfigurationListener, len(qs.listeners))
	copy(listeners, qs.listeners)
	qs.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(previous, current)
	}
}

// limitStep bounds a move to one ordinal step
func limitStep(current, target QualityLevel) QualityLevel {
	switch {
	case target > current:
		return current.Step(1)
	case target < current:
		return current.Step(-1)
	default:
		return current
	}
}

func describeDirection(direction int) string {
	switch direction {
	case -1:
		return "degrading signal"
	case 1:
		return "all signals improving"
	default:
		return "stable"
	}
}

// String summarizes the scaler for logs
func (qs *QualityScaler) String() string {
	return fmt.Sprintf("QualityScaler{level=%s emergency=%t auto=%t}",
		qs.CurrentLevel(), qs.IsEmergency(), qs.AutoAdjustmentEnabled())
}
