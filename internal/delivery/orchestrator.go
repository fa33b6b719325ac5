// Package delivery fetches resolved asset manifests over the healthiest
// delivery route, rewriting each asset URL with the current quality
// configuration and feeding outcomes back into route health and usage state.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/assets"
	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/routing"
	"github.com/groovelab/audioengine/internal/usage"
)

var ErrInvalidConfig = errors.New("invalid delivery config")

// Failure reasons reported in FailedAsset.Reason
const (
	ReasonCancelled       = "cancelled"
	ReasonNoRoute         = "no route available"
	ReasonRoutesExhausted = "all routes exhausted"
	ReasonBlocked         = "required dependency failed"
	ReasonPanic           = "fetch panicked"
	ReasonInvalidPayload  = "invalid payload"
)

// QualitySource supplies the configuration fetches are rewritten with.
// *audio.QualityScaler satisfies it.
type QualitySource interface {
	CurrentConfiguration() audio.QualityConfiguration
	Capabilities() audio.DeviceCapabilities
}

// AccessRecorder receives successful deliveries. *usage.Analyzer satisfies it.
type AccessRecorder interface {
	RecordAccess(evt usage.AccessEvent) error
}

// OrchestratorConfig tunes dispatch.
type OrchestratorConfig struct {
	// Concurrency caps parallel fetches; zero uses the device class limit.
	Concurrency int `mapstructure:"concurrency"`
	// RouteWait bounds the wait for a route's request limiter.
	RouteWait time.Duration `mapstructure:"route_wait"`
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{RouteWait: 2 * time.Second}
}

func (c OrchestratorConfig) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}
	if c.RouteWait <= 0 {
		return fmt.Errorf("%w: route wait must be positive", ErrInvalidConfig)
	}
	return nil
}

// ProcessedAsset is a delivered asset
type ProcessedAsset struct {
	URL      string             `json:"url"`
	RouteID  string             `json:"routeId"`
	FetchURL string             `json:"fetchUrl"`
	Bytes    int64              `json:"bytes"`
	Latency  time.Duration      `json:"latency"`
	Attempts int                `json:"attempts"`
	Quality  audio.QualityLevel `json:"quality"`
}

// FailedAsset is an asset that could not be delivered
type FailedAsset struct {
	URL         string   `json:"url"`
	Reason      string   `json:"reason"`
	Detail      string   `json:"detail,omitempty"`
	RoutesTried []string `json:"routesTried,omitempty"`
}

func (f FailedAsset) Error() string {
	msg := f.Reason
	if f.URL != "" {
		msg = f.URL + ": " + msg
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

// DeliveryResult summarises one delivery batch. Failures are isolated per
// asset; a result is always returned.
type DeliveryResult struct {
	BatchID           string                   `json:"batchId"`
	ExerciseID        string                   `json:"exerciseId,omitempty"`
	ProcessedAssets   []ProcessedAsset         `json:"processedAssets"`
	FailedAssets      []FailedAsset            `json:"failedAssets"`
	ProcessingTime    time.Duration            `json:"processingTime"`
	CriticalPathReady bool                     `json:"criticalPathReady"`
	Progress          float64                  `json:"progress"`
	Issues            []assets.ValidationIssue `json:"issues,omitempty"`
	PayloadErrors     []FieldError             `json:"payloadErrors,omitempty"`
	Sync              SyncInfo                 `json:"sync"`
}

// Err aggregates the failed assets, nil when everything was delivered
func (r *DeliveryResult) Err() error {
	var result *multierror.Error
	for _, f := range r.FailedAssets {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Orchestrator delivers manifests group by group.
type Orchestrator struct {
	config   OrchestratorConfig
	resolver *assets.Resolver
	registry *routing.RouteHealthRegistry
	scaler   QualitySource
	analyzer AccessRecorder
	fetcher  Fetcher
	logger   zerolog.Logger
	now      func() time.Time

	current atomic.Pointer[batch]

	sinksMu sync.RWMutex
	sinks   []EventSink
}

// NewOrchestrator wires the delivery pipeline. resolver and analyzer may be nil.
func NewOrchestrator(cfg OrchestratorConfig, resolver *assets.Resolver, registry *routing.RouteHealthRegistry,
	scaler QualitySource, analyzer AccessRecorder, fetcher Fetcher, logger zerolog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil || scaler == nil || fetcher == nil {
		return nil, fmt.Errorf("%w: registry, quality source and fetcher are required", ErrInvalidConfig)
	}
	l := logger.With().Str("component", "delivery-orchestrator").Logger()
	if resolver == nil {
		resolver = assets.NewResolver(assets.DefaultResolverConfig(), logger)
	}
	return &Orchestrator{
		config:   cfg,
		resolver: resolver,
		registry: registry,
		scaler:   scaler,
		analyzer: analyzer,
		fetcher:  fetcher,
		logger:   l,
		now:      time.Now,
	}, nil
}

// AddSink registers an event sink
func (o *Orchestrator) AddSink(sink EventSink) {
	o.sinksMu.Lock()
	o.sinks = append(o.sinks, sink)
	o.sinksMu.Unlock()
}

func (o *Orchestrator) publish(evt Event) {
	evt.Timestamp = o.now()
	o.sinksMu.RLock()
	defer o.sinksMu.RUnlock()
	for _, sink := range o.sinks {
		sink.Publish(evt)
	}
}

// Concurrency is the number of parallel fetches per group
func (o *Orchestrator) Concurrency() int {
	if o.config.Concurrency > 0 {
		return o.config.Concurrency
	}
	return o.scaler.Capabilities().ConcurrencyLimit()
}

// Progress is the percentage of assets finished in the most recent batch
func (o *Orchestrator) Progress() float64 {
	b := o.current.Load()
	if b == nil {
		return 0
	}
	return b.progress()
}

// ClearRoutingHistory drops the recorded routing decisions
func (o *Orchestrator) ClearRoutingHistory() {
	o.registry.ClearRoutingHistory()
}

// ProcessWorkflow validates a workflow payload, resolves its manifest and
// delivers it. A payload without a usable exercise id yields a result with
// no processed assets and the payload errors as failures.
func (o *Orchestrator) ProcessWorkflow(ctx context.Context, raw []byte) *DeliveryResult {
	start := time.Now()
	wf, errs := ParseWorkflowPayload(raw)
	for _, fe := range errs {
		o.logger.Warn().Str("field", fe.Field).Str("problem", fe.Message).Msg("workflow payload field rejected")
	}

	if wf == nil {
		result := &DeliveryResult{
			BatchID:         uuid.NewString(),
			ProcessedAssets: []ProcessedAsset{},
			PayloadErrors:   errs,
		}
		for _, fe := range errs {
			result.FailedAssets = append(result.FailedAssets, FailedAsset{Reason: ReasonInvalidPayload, Detail: fe.Error()})
		}
		assetsFailedTotal.WithLabelValues("payload").Inc()
		result.ProcessingTime = elapsedSince(start)
		return result
	}

	manifest := o.resolver.WithConcurrency(o.Concurrency()).ExtractAssetManifest(wf.Content)
	result := o.DeliverManifest(ctx, manifest)
	result.PayloadErrors = errs
	result.Sync = wf.Sync
	result.ProcessingTime = elapsedSince(start)
	return result
}

// DeliverManifest fetches every grouped asset. Groups run in priority order;
// sequential groups follow dependency order and parallel groups are bounded
// by Concurrency. An asset whose required dependency failed is not fetched.
// After ctx is done no new fetch starts, but fetches already running finish
// and are recorded.
func (o *Orchestrator) DeliverManifest(ctx context.Context, manifest *assets.AssetManifest) *DeliveryResult {
	start := time.Now()
	b := newBatch(manifest)
	o.current.Store(b)
	loadingProgress.Set(b.progress())

	groups := append([]assets.LoadingGroup(nil), manifest.Groups...)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })

	o.logger.Info().
		Str("batch_id", b.id).
		Str("exercise_id", manifest.ExerciseID).
		Int64("assets", b.total).
		Int("groups", len(groups)).
		Int("concurrency", o.Concurrency()).
		Msg("delivery started")

	for _, g := range groups {
		if ctx.Err() != nil {
			o.abandon(b, g.Assets)
			continue
		}
		if g.ParallelLoadable {
			o.deliverParallel(ctx, b, manifest, g)
		} else {
			o.deliverSequential(ctx, b, manifest, g)
		}
		o.publish(Event{Type: EventGroupCompleted, BatchID: b.id, Group: g.Name, Progress: b.progress()})
	}

	result := &DeliveryResult{
		BatchID:    b.id,
		ExerciseID: manifest.ExerciseID,
		Issues:     append([]assets.ValidationIssue(nil), manifest.Issues...),
	}
	result.ProcessedAssets, result.FailedAssets = b.results()
	result.CriticalPathReady = b.allDelivered(manifest.CriticalPath)
	result.Progress = b.progress()
	result.ProcessingTime = elapsedSince(start)
	batchDuration.Observe(result.ProcessingTime.Seconds())

	event := o.logger.Info()
	if len(result.FailedAssets) > 0 {
		event = o.logger.Warn()
	}
	event.
		Str("batch_id", b.id).
		Int("processed", len(result.ProcessedAssets)).
		Int("failed", len(result.FailedAssets)).
		Bool("critical_path_ready", result.CriticalPathReady).
		Dur("duration", result.ProcessingTime).
		Msg("delivery finished")
	return result
}

func (o *Orchestrator) deliverSequential(ctx context.Context, b *batch, m *assets.AssetManifest, g assets.LoadingGroup) {
	order, err := assets.TopologicalOrder(g.Assets, m.Dependencies)
	if err != nil {
		o.logger.Warn().Err(err).Str("group", g.Name).Msg("group delivered in declaration order")
		order = g.Assets
	}
	for i, url := range order {
		if ctx.Err() != nil {
			o.abandon(b, order[i:])
			return
		}
		o.deliverAsset(ctx, b, m, url)
	}
}

func (o *Orchestrator) deliverParallel(ctx context.Context, b *batch, m *assets.AssetManifest, g assets.LoadingGroup) {
	pool := NewFetchPool(g.Name, o.Concurrency(), len(g.Assets), o.logger)
	defer pool.Shutdown(true)

	for i, url := range g.Assets {
		url := url
		if err := pool.Submit(ctx, func() { o.deliverAsset(ctx, b, m, url) }); err != nil {
			o.abandon(b, g.Assets[i:])
			return
		}
	}
}

// abandon fails every listed asset that has not started
func (o *Orchestrator) abandon(b *batch, urls []string) {
	for _, url := range urls {
		o.fail(b, FailedAsset{URL: url, Reason: ReasonCancelled})
	}
}

func (o *Orchestrator) deliverAsset(ctx context.Context, b *batch, m *assets.AssetManifest, url string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("asset", url).Msg("asset delivery panicked")
			o.fail(b, FailedAsset{URL: url, Reason: ReasonPanic, Detail: fmt.Sprint(r)})
		}
	}()

	if ctx.Err() != nil {
		o.fail(b, FailedAsset{URL: url, Reason: ReasonCancelled})
		return
	}
	if dep, blocked := b.blockedBy(url); blocked {
		o.fail(b, FailedAsset{URL: url, Reason: ReasonBlocked, Detail: dep})
		return
	}

	category := ""
	if a, ok := m.Asset(url); ok {
		category = a.Category.String()
	}

	// started fetches outlive the caller so their outcome reaches route health
	detached := context.WithoutCancel(ctx)
	var (
		tried   []string
		lastErr error
	)
	for {
		cfg := o.scaler.CurrentConfiguration()
		decision, err := o.registry.SelectRoute(url, cfg.Level, tried...)
		if err != nil {
			failed := FailedAsset{URL: url, Reason: ReasonNoRoute, RoutesTried: tried}
			if len(tried) > 0 {
				failed.Reason = ReasonRoutesExhausted
			}
			if lastErr != nil {
				failed.Detail = lastErr.Error()
			}
			o.fail(b, failed)
			return
		}

		tried = append(tried, decision.SelectedRoute)
		processed, err := o.tryRoute(detached, url, category, decision.SelectedRoute, cfg)
		if err == nil {
			o.succeed(b, processed)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			o.fail(b, FailedAsset{URL: url, Reason: ReasonCancelled, Detail: err.Error(), RoutesTried: tried})
			return
		}
	}
}

func (o *Orchestrator) tryRoute(ctx context.Context, url, category, routeID string, cfg audio.QualityConfiguration) (ProcessedAsset, error) {
	route, ok := o.registry.Route(routeID)
	if !ok {
		return ProcessedAsset{}, fmt.Errorf("%w: %s", routing.ErrUnknownRoute, routeID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.config.RouteWait)
	err := o.registry.Allow(waitCtx, routeID)
	cancel()
	if err != nil {
		fetchesTotal.WithLabelValues(routeID, "throttled").Inc()
		return ProcessedAsset{}, fmt.Errorf("waiting for route %s: %w", routeID, err)
	}

	fetchURL, err := RewriteURL(url, route, cfg)
	if err != nil {
		fetchesTotal.WithLabelValues(routeID, "invalid").Inc()
		return ProcessedAsset{}, err
	}

	res, err := o.fetcher.Fetch(ctx, fetchURL)
	// a client error is about the asset; the route itself answered
	reachable := err == nil || errors.Is(err, ErrClientStatus)
	if herr := o.registry.UpdateRouteHealth(routeID, res.Latency, reachable); herr != nil {
		o.logger.Warn().Err(herr).Str("route", routeID).Msg("route health not recorded")
	}
	if err != nil {
		outcome := "failure"
		if reachable {
			outcome = "rejected"
		}
		fetchesTotal.WithLabelValues(routeID, outcome).Inc()
		o.logger.Debug().Err(err).Str("asset", url).Str("route", routeID).Msg("fetch failed, trying next route")
		return ProcessedAsset{}, err
	}

	fetchesTotal.WithLabelValues(routeID, "success").Inc()
	fetchDuration.WithLabelValues(routeID).Observe(res.Latency.Seconds())

	if o.analyzer != nil {
		evt := usage.AccessEvent{
			SampleID:     url,
			Category:     category,
			Timestamp:    o.now(),
			QualityLevel: cfg.Level.String(),
		}
		if err := o.analyzer.RecordAccess(evt); err != nil {
			o.logger.Warn().Err(err).Str("asset", url).Msg("access not recorded")
		}
	}

	return ProcessedAsset{
		URL:      url,
		RouteID:  routeID,
		FetchURL: fetchURL,
		Bytes:    res.Bytes,
		Latency:  res.Latency,
		Attempts: res.Attempts,
		Quality:  cfg.Level,
	}, nil
}

func (o *Orchestrator) succeed(b *batch, p ProcessedAsset) {
	if !b.recordSuccess(p) {
		return
	}
	progress := b.progress()
	loadingProgress.Set(progress)
	o.logger.Debug().Str("asset", p.URL).Str("route", p.RouteID).Dur("latency", p.Latency).Msg("asset delivered")
	o.publish(Event{Type: EventFetchSucceeded, BatchID: b.id, AssetURL: p.URL, RouteID: p.RouteID, Latency: p.Latency, Progress: progress})
	o.publish(Event{Type: EventProgress, BatchID: b.id, Progress: progress})
}

func (o *Orchestrator) fail(b *batch, f FailedAsset) {
	if !b.recordFailure(f) {
		return
	}
	progress := b.progress()
	loadingProgress.Set(progress)
	assetsFailedTotal.WithLabelValues(failureKind(f.Reason)).Inc()
	o.logger.Warn().Str("asset", f.URL).Str("reason", f.Reason).Str("detail", f.Detail).Strs("routes_tried", f.RoutesTried).Msg("asset not delivered")
	o.publish(Event{Type: EventFetchFailed, BatchID: b.id, AssetURL: f.URL, Reason: f.Reason, Progress: progress})
	o.publish(Event{Type: EventProgress, BatchID: b.id, Progress: progress})
}

func failureKind(reason string) string {
	switch reason {
	case ReasonCancelled:
		return "cancelled"
	case ReasonBlocked:
		return "blocked"
	case ReasonPanic:
		return "panic"
	default:
		return "routes"
	}
}

// coarse clocks can report zero for very short batches
func elapsedSince(start time.Time) time.Duration {
	if d := time.Since(start); d > 0 {
		return d
	}
	return time.Nanosecond
}
