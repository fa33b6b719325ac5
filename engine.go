// Package audioengine wires the quality scaler, asset resolver, route registry,
// usage analyzer and delivery orchestrator into one engine with an
// observability server.
package audioengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/assets"
	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/delivery"
	"github.com/groovelab/audioengine/internal/logging"
	"github.com/groovelab/audioengine/internal/routing"
	"github.com/groovelab/audioengine/internal/telemetry"
	"github.com/groovelab/audioengine/internal/usage"
)

const (
	defaultMetricsInterval = 2 * time.Second
	detectTimeout          = 2 * time.Second
	persistTimeout         = 5 * time.Second
)

var ErrEngineClosed = errors.New("engine closed")

// Snapshot is a point-in-time view of the engine for diagnostics
type Snapshot struct {
	Configuration   audio.QualityConfiguration `json:"configuration"`
	Emergency       bool                       `json:"emergency"`
	EmergencyReason string                     `json:"emergencyReason,omitempty"`
	Preferences     audio.UserPreferences      `json:"preferences"`
	Capabilities    audio.DeviceCapabilities   `json:"capabilities"`
	Routes          []routing.CDNRoute         `json:"routes"`
	RecentDecisions []routing.RoutingDecision  `json:"recentDecisions"`
	ScalerMetrics   audio.QualityScalerMetrics `json:"scalerMetrics"`
	RoutingMetrics  routing.RoutingMetrics     `json:"routingMetrics"`
	Analysis        usage.AnalysisResult       `json:"analysis"`
	Progress        float64                    `json:"progress"`
	TakenAt         time.Time                  `json:"takenAt"`
}

type engineOptions struct {
	logger          *zerolog.Logger
	provider        telemetry.Provider
	fetcher         delivery.Fetcher
	capabilities    *audio.DeviceCapabilities
	metricsInterval time.Duration
}

// Option customizes NewEngine
type Option func(*engineOptions)

// WithLogger replaces the process root logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = &l }
}

// WithProvider replaces the host telemetry provider
func WithProvider(p telemetry.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f delivery.Fetcher) Option {
	return func(o *engineOptions) { o.fetcher = f }
}

// WithCapabilities skips device detection
func WithCapabilities(c audio.DeviceCapabilities) Option {
	return func(o *engineOptions) { o.capabilities = &c }
}

// WithMetricsInterval sets how often metrics are pushed to event subscribers
func WithMetricsInterval(d time.Duration) Option {
	return func(o *engineOptions) { o.metricsInterval = d }
}

// Engine owns one instance of every component. Construct it with NewEngine,
// run it with Start and dispose of it with Close.
type Engine struct {
	Scaler       *audio.QualityScaler
	Resolver     *assets.Resolver
	Registry     *routing.RouteHealthRegistry
	Analyzer     *usage.Analyzer
	Orchestrator *delivery.Orchestrator
	Broadcaster  *EventBroadcaster
	Scheduler    *AnalysisScheduler
	// Pump is nil when telemetry is disabled
	Pump *telemetry.Pump

	config          Config
	store           *usage.SQLiteStore
	logger          zerolog.Logger
	metricsInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewEngine builds every component from cfg. Usage patterns are restored from
// the configured sqlite database when one is set.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{metricsInterval: defaultMetricsInterval}
	for _, opt := range opts {
		opt(&o)
	}
	logger := *logging.GetDefaultLogger()
	if o.logger != nil {
		logger = *o.logger
	}

	e := &Engine{
		config:          cfg,
		logger:          logger.With().Str("component", "engine").Logger(),
		metricsInterval: o.metricsInterval,
	}

	caps := e.capabilities(cfg, o.capabilities)

	scalerCfg, err := cfg.ScalerConfig()
	if err != nil {
		return nil, err
	}
	prefs, err := cfg.Preferences()
	if err != nil {
		return nil, err
	}
	if e.Scaler, err = audio.NewQualityScaler(scalerCfg, caps, logger); err != nil {
		return nil, fmt.Errorf("creating quality scaler: %w", err)
	}
	if err := e.Scaler.SetUserPreferences(prefs); err != nil {
		return nil, fmt.Errorf("applying preferences: %w", err)
	}

	e.Resolver = assets.NewResolver(assets.DefaultResolverConfig(), logger)

	routes, err := cfg.RouteConfigs()
	if err != nil {
		return nil, err
	}
	if e.Registry, err = routing.NewRouteHealthRegistry(cfg.Routing, routes, logger); err != nil {
		return nil, fmt.Errorf("creating route registry: %w", err)
	}

	if e.Analyzer, err = usage.NewAnalyzer(cfg.Usage, logger); err != nil {
		return nil, fmt.Errorf("creating usage analyzer: %w", err)
	}
	if cfg.UsageDB != "" {
		if e.store, err = usage.OpenSQLiteStore(cfg.UsageDB); err != nil {
			return nil, fmt.Errorf("opening usage store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := e.Analyzer.Restore(ctx, e.store)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).Str("path", cfg.UsageDB).Msg("failed to restore usage patterns")
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = delivery.NewHTTPFetcher(cfg.Fetcher, nil, logger)
	}
	if e.Orchestrator, err = delivery.NewOrchestrator(cfg.Delivery, e.Resolver, e.Registry, e.Scaler, e.Analyzer, fetcher, logger); err != nil {
		e.closeStore()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	e.Broadcaster = NewEventBroadcaster(e, logger)
	e.Orchestrator.AddSink(e.Broadcaster)
	e.Scaler.Subscribe(func(previous, current audio.QualityConfiguration) {
		e.Broadcaster.BroadcastQualityChanged(previous, current, e.Scaler.IsEmergency(), e.Scaler.EmergencyReason())
	})

	if e.Scheduler, err = NewAnalysisScheduler(e.Analyzer, cfg.Usage.AnalysisWindow/2, logger); err != nil {
		e.closeStore()
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		provider := o.provider
		if provider == nil {
			provider = telemetry.NewHostProvider(cfg.Telemetry.Host, logger)
		}
		e.Pump = telemetry.NewPump(provider, e.Scaler, cfg.Telemetry.Interval, logger)
	}

	e.logger.Info().
		Str("device_class", caps.DeviceClass.String()).
		Str("quality", e.Scaler.CurrentLevel().String()).
		Int("routes", len(routes)).
		Bool("telemetry", e.Pump != nil).
		Bool("persistent_usage", e.store != nil).
		Msg("engine initialized")
	return e, nil
}

func (e *Engine) capabilities(cfg Config, override *audio.DeviceCapabilities) audio.DeviceCapabilities {
	if override != nil {
		return *override
	}
	if cfg.Device.CPUCores > 0 && cfg.Device.MemoryMB > 0 {
		return audio.ClassifyDevice(cfg.Device.CPUCores, cfg.Device.MemoryMB)
	}
	ctx, cancel := context.WithTimeout(context.Background(), detectTimeout)
	defer cancel()
	caps, err := telemetry.DetectCapabilities(ctx)
	if err != nil {
		// assume the weakest class rather than overcommit
		e.logger.Warn().Err(err).Msg("device detection failed, assuming low-end device")
		return audio.ClassifyDevice(1, 1024)
	}
	return caps
}

// Config returns the configuration the engine was built with
func (e *Engine) Config() Config {
	return e.config
}

// Start launches telemetry polling, scheduled analysis and metric pushes.
// They stop when ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	if e.Pump != nil {
		e.Pump.Start(ctx)
	}
	e.Scheduler.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Broadcaster.RunMetrics(ctx, e.metricsInterval)
	}()

	e.logger.Info().Msg("engine started")
	return nil
}

// Reset returns the scaler, route table and usage patterns to their initial state
func (e *Engine) Reset() {
	e.Scaler.Reset()
	prefs, err := e.config.Preferences()
	if err == nil {
		err = e.Scaler.SetUserPreferences(prefs)
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("configured preferences not restored, keeping defaults")
	}
	e.Registry.Reset()
	e.Analyzer.Reset()
	e.logger.Info().Msg("engine state reset")
}

// Snapshot collects the current state of every component
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Configuration:   e.Scaler.CurrentConfiguration(),
		Emergency:       e.Scaler.IsEmergency(),
		EmergencyReason: e.Scaler.EmergencyReason(),
		Preferences:     e.Scaler.Preferences(),
		Capabilities:    e.Scaler.Capabilities(),
		Routes:          e.Registry.Routes(),
		RecentDecisions: e.Registry.RoutingHistory(),
		ScalerMetrics:   e.Scaler.Metrics(),
		RoutingMetrics:  e.Registry.Metrics(),
		Analysis:        e.Analyzer.LastResult(),
		Progress:        e.Orchestrator.Progress(),
		TakenAt:         time.Now(),
	}
}

// Close stops background work, persists usage patterns and releases the
// store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if e.Pump != nil {
		e.Pump.Stop()
	}
	e.Scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.Broadcaster.Close()

	var result *multierror.Error
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := e.Analyzer.Persist(ctx, e.store); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}
	if err := e.closeStore(); err != nil {
		result = multierror.Append(result, err)
	}

	e.logger.Info().Msg("engine closed")
	return result.ErrorOrNil()
}

func (e *Engine) closeStore() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	if err != nil {
		return fmt.Errorf("closing usage store: %w", err)
	}
	return nil
}
