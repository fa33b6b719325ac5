package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovelab/audioengine/internal/assets"
	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/routing"
	"github.com/groovelab/audioengine/internal/usage"
)

type fakeQuality struct {
	mu   sync.Mutex
	cfg  audio.QualityConfiguration
	caps audio.DeviceCapabilities
}

func newFakeQuality(t *testing.T, level audio.QualityLevel, caps audio.DeviceCapabilities) *fakeQuality {
	return &fakeQuality{cfg: preset(t, level), caps: caps}
}

func (q *fakeQuality) CurrentConfiguration() audio.QualityConfiguration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

func (q *fakeQuality) Capabilities() audio.DeviceCapabilities { return q.caps }

func (q *fakeQuality) set(cfg audio.QualityConfiguration) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// scriptedFetcher fails requests to listed hosts or paths and records every call
type scriptedFetcher struct {
	mu        sync.Mutex
	calls     []string
	failHosts map[string]bool
	failPaths map[string]bool
	// missingPaths answer 404
	missingPaths map[string]bool
	panicPath    string
	delay        time.Duration
	hook         func(rawURL string)

	inFlight int32
	peak     int32
}

func (f *scriptedFetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	hook := f.hook
	hostDown, pathDown, missing := f.failHosts[u.Host], f.failPaths[u.Path], f.missingPaths[u.Path]
	f.mu.Unlock()
	if hook != nil {
		hook(rawURL)
	}
	if u.Path == f.panicPath {
		panic("decoder exploded")
	}

	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.inFlight, -1)

	res := FetchResult{URL: rawURL, Latency: 20 * time.Millisecond, Attempts: 1}
	if missing {
		res.StatusCode = http.StatusNotFound
		return res, fmt.Errorf("%w: %s: %w", ErrFetchFailed, rawURL, &StatusError{StatusCode: http.StatusNotFound, URL: rawURL})
	}
	if hostDown || pathDown {
		res.StatusCode = http.StatusServiceUnavailable
		return res, fmt.Errorf("%w: %s", ErrFetchFailed, rawURL)
	}
	res.StatusCode = http.StatusOK
	res.Bytes = 1024
	return res, nil
}

func (f *scriptedFetcher) heal() {
	f.mu.Lock()
	f.failHosts = nil
	f.failPaths = nil
	f.mu.Unlock()
}

func (f *scriptedFetcher) callsTo(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if u, err := url.Parse(c); err == nil && u.Host == host {
			count++
		}
	}
	return count
}

func exercise() assets.ContentSource {
	return assets.ContentSource{
		ExerciseID:  "ex-1",
		Chords:      "/c/chords.mid",
		Bassline:    "/c/bass.mid",
		DrumPattern: "/c/drums.mid",
		BassSamples: []string{"/s/b1.wav", "/s/b2.wav"},
		DrumSamples: []string{"/s/d1.wav"},
		Ambience:    "/s/room.ogg",
	}
}

type harness struct {
	orch     *Orchestrator
	registry *routing.RouteHealthRegistry
	analyzer *usage.Analyzer
	quality  *fakeQuality
	fetcher  *scriptedFetcher
	resolver *assets.Resolver
}

func newHarness(t *testing.T, fetcher *scriptedFetcher, caps audio.DeviceCapabilities, mutate ...func(*routing.RegistryConfig)) *harness {
	t.Helper()
	regCfg := routing.DefaultRegistryConfig()
	regCfg.RequestsPerSecond = 0
	for _, m := range mutate {
		m(&regCfg)
	}
	registry, err := routing.NewRouteHealthRegistry(regCfg, []routing.RouteConfig{
		{ID: "edge-a", Endpoint: "https://a.cdn.test", Priority: routing.PriorityPrimary},
		{ID: "edge-b", Endpoint: "https://b.cdn.test/mirror", Priority: routing.PrioritySecondary},
	}, zerolog.Nop())
	require.NoError(t, err)

	analyzer, err := usage.NewAnalyzer(usage.DefaultAnalyzerConfig(), zerolog.Nop())
	require.NoError(t, err)

	quality := newFakeQuality(t, audio.QualityHigh, caps)
	resolver := assets.NewResolver(assets.DefaultResolverConfig(), zerolog.Nop())
	orch, err := NewOrchestrator(DefaultOrchestratorConfig(), resolver, registry, quality, analyzer, fetcher, zerolog.Nop())
	require.NoError(t, err)
	return &harness{orch: orch, registry: registry, analyzer: analyzer, quality: quality, fetcher: fetcher, resolver: resolver}
}

func (h *harness) manifest() *assets.AssetManifest {
	return h.resolver.ExtractAssetManifest(exercise())
}

func processedURLs(r *DeliveryResult) []string {
	out := make([]string, 0, len(r.ProcessedAssets))
	for _, p := range r.ProcessedAssets {
		out = append(out, p.URL)
	}
	return out
}

func failedByURL(r *DeliveryResult) map[string]FailedAsset {
	out := make(map[string]FailedAsset, len(r.FailedAssets))
	for _, f := range r.FailedAssets {
		out[f.URL] = f
	}
	return out
}

var midDevice = audio.ClassifyDevice(4, 4096)

func TestDeliverManifest(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "healthy primary route delivers everything",
			testFunc: func(t *testing.T) {
				h := newHarness(t, &scriptedFetcher{}, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				assert.Equal(t, []string{
					"/c/chords.mid", "/c/bass.mid", "/c/drums.mid",
					"/s/b1.wav", "/s/b2.wav", "/s/d1.wav", "/s/room.ogg",
				}, processedURLs(result))
				assert.Empty(t, result.FailedAssets)
				assert.NoError(t, result.Err())
				assert.True(t, result.CriticalPathReady)
				assert.Equal(t, 100.0, result.Progress)
				assert.Equal(t, 100.0, h.orch.Progress())
				assert.Positive(t, result.ProcessingTime)
				assert.NotEmpty(t, result.BatchID)
				assert.Equal(t, "ex-1", result.ExerciseID)

				for _, p := range result.ProcessedAssets {
					assert.Equal(t, "edge-a", p.RouteID)
					assert.True(t, strings.HasPrefix(p.FetchURL, "https://a.cdn.test"+p.URL+"?"), p.FetchURL)
					assert.Contains(t, p.FetchURL, "quality=high")
					assert.Equal(t, audio.QualityHigh, p.Quality)
				}

				assert.Len(t, h.registry.RoutingHistory(), 7)
				pattern, ok := h.analyzer.Pattern("/s/b1.wav")
				require.True(t, ok)
				assert.Equal(t, "bass-sample", pattern.Category)
				assert.Equal(t, "high", pattern.QualityProfile)
				assert.Len(t, h.analyzer.Patterns(), 7)
			},
		},
		{
			name: "failing primary fails over and is marked unavailable",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{failHosts: map[string]bool{"a.cdn.test": true}}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				require.Len(t, result.ProcessedAssets, 7)
				assert.Empty(t, result.FailedAssets)
				for _, p := range result.ProcessedAssets {
					assert.Equal(t, "edge-b", p.RouteID)
					assert.True(t, strings.HasPrefix(p.FetchURL, "https://b.cdn.test/mirror"+p.URL), p.FetchURL)
				}

				// two consecutive failures take the primary out of rotation
				assert.Equal(t, 2, fetcher.callsTo("a.cdn.test"))
				route, ok := h.registry.Route("edge-a")
				require.True(t, ok)
				assert.Equal(t, routing.HealthUnavailable, route.HealthStatus)

				history := h.registry.RoutingHistory()
				require.GreaterOrEqual(t, len(history), 2)
				assert.Equal(t, "edge-a", history[0].SelectedRoute)
				assert.Equal(t, "edge-b", history[1].SelectedRoute)
				assert.True(t, strings.HasPrefix(history[1].Reason, "failover to "))
			},
		},
		{
			name: "exhausted routes fail assets without stopping siblings",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{failHosts: map[string]bool{"a.cdn.test": true, "b.cdn.test": true}}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				assert.Empty(t, result.ProcessedAssets)
				require.Len(t, result.FailedAssets, 7)
				failed := failedByURL(result)

				assert.Equal(t, ReasonRoutesExhausted, failed["/c/chords.mid"].Reason)
				assert.Equal(t, []string{"edge-a", "edge-b"}, failed["/c/chords.mid"].RoutesTried)
				assert.Equal(t, ReasonBlocked, failed["/c/bass.mid"].Reason)
				assert.Equal(t, "/c/chords.mid", failed["/c/bass.mid"].Detail)
				assert.Equal(t, ReasonRoutesExhausted, failed["/c/drums.mid"].Reason)
				assert.Equal(t, ReasonBlocked, failed["/s/b1.wav"].Reason)
				assert.Equal(t, ReasonBlocked, failed["/s/b2.wav"].Reason)
				// both routes are unavailable by now
				assert.Equal(t, ReasonNoRoute, failed["/s/d1.wav"].Reason)
				assert.Equal(t, ReasonNoRoute, failed["/s/room.ogg"].Reason)

				assert.False(t, result.CriticalPathReady)
				assert.Equal(t, 100.0, result.Progress)
				assert.Error(t, result.Err())
				assert.Empty(t, h.analyzer.Patterns())
			},
		},
		{
			name: "failed required dependency blocks its dependents",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{failPaths: map[string]bool{"/c/chords.mid": true}}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				assert.Equal(t, []string{"/c/drums.mid", "/s/d1.wav", "/s/room.ogg"}, processedURLs(result))
				failed := failedByURL(result)
				require.Len(t, failed, 4)
				assert.Equal(t, ReasonRoutesExhausted, failed["/c/chords.mid"].Reason)
				assert.Equal(t, ReasonBlocked, failed["/c/bass.mid"].Reason)
				assert.Equal(t, "/c/chords.mid", failed["/c/bass.mid"].Detail)
				assert.Equal(t, ReasonBlocked, failed["/s/b1.wav"].Reason)
				assert.Equal(t, "/c/bass.mid", failed["/s/b1.wav"].Detail)
				assert.Equal(t, ReasonBlocked, failed["/s/b2.wav"].Reason)
				assert.False(t, result.CriticalPathReady)
			},
		},
		{
			name: "failed performance dependency never blocks",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{failPaths: map[string]bool{"/c/drums.mid": true}}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				require.Len(t, result.FailedAssets, 1)
				assert.Equal(t, "/c/drums.mid", result.FailedAssets[0].URL)
				assert.Contains(t, processedURLs(result), "/s/d1.wav")
				assert.Len(t, result.ProcessedAssets, 6)
				assert.True(t, result.CriticalPathReady)
			},
		},
		{
			name: "parallel groups respect the device concurrency limit",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{delay: 15 * time.Millisecond}
				h := newHarness(t, fetcher, audio.ClassifyDevice(2, 1024))
				require.Equal(t, 2, h.orch.Concurrency())

				content := exercise()
				content.DrumSamples = []string{"/s/d1.wav", "/s/d2.wav", "/s/d3.wav", "/s/d4.wav", "/s/d5.wav", "/s/d6.wav"}
				result := h.orch.DeliverManifest(context.Background(), h.resolver.ExtractAssetManifest(content))

				assert.Len(t, result.ProcessedAssets, 12)
				peak := atomic.LoadInt32(&fetcher.peak)
				assert.LessOrEqual(t, peak, int32(2))
				assert.Positive(t, peak)
			},
		},
		{
			name: "cancellation lets in-flight fetches finish",
			testFunc: func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				fetcher := &scriptedFetcher{}
				fetcher.hook = func(string) { cancel() }
				h := newHarness(t, fetcher, midDevice)

				result := h.orch.DeliverManifest(ctx, h.manifest())

				assert.Equal(t, []string{"/c/chords.mid"}, processedURLs(result))
				require.Len(t, result.FailedAssets, 6)
				for _, f := range result.FailedAssets {
					assert.Equal(t, ReasonCancelled, f.Reason, f.URL)
				}
				assert.Equal(t, 100.0, result.Progress)

				// the started fetch still reached route health and usage
				route, ok := h.registry.Route("edge-a")
				require.True(t, ok)
				assert.Equal(t, int64(1), route.TotalRequests)
				_, ok = h.analyzer.Pattern("/c/chords.mid")
				assert.True(t, ok)
			},
		},
		{
			name: "quality changes apply to later fetches",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{}
				h := newHarness(t, fetcher, midDevice)
				var once sync.Once
				fetcher.hook = func(string) {
					once.Do(func() { h.quality.set(preset(t, audio.QualityLow)) })
				}

				result := h.orch.DeliverManifest(context.Background(), h.manifest())
				require.Len(t, result.ProcessedAssets, 7)
				assert.Contains(t, result.ProcessedAssets[0].FetchURL, "quality=high")
				for _, p := range result.ProcessedAssets[1:] {
					assert.Contains(t, p.FetchURL, "quality=low")
					assert.Equal(t, audio.QualityLow, p.Quality)
				}
			},
		},
		{
			name: "panicking fetch fails only its asset",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{panicPath: "/s/b2.wav"}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				require.Len(t, result.FailedAssets, 1)
				assert.Equal(t, "/s/b2.wav", result.FailedAssets[0].URL)
				assert.Equal(t, ReasonPanic, result.FailedAssets[0].Reason)
				assert.Len(t, result.ProcessedAssets, 6)
			},
		},
		{
			name: "empty manifest completes immediately",
			testFunc: func(t *testing.T) {
				h := newHarness(t, &scriptedFetcher{}, midDevice)
				result := h.orch.DeliverManifest(context.Background(), &assets.AssetManifest{ExerciseID: "empty"})
				assert.Empty(t, result.ProcessedAssets)
				assert.Empty(t, result.FailedAssets)
				assert.Equal(t, 100.0, result.Progress)
				assert.False(t, result.CriticalPathReady)
				assert.Positive(t, result.ProcessingTime)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestDeliveryEvents(t *testing.T) {
	h := newHarness(t, &scriptedFetcher{failPaths: map[string]bool{"/s/room.ogg": true}}, midDevice)

	var mu sync.Mutex
	counts := make(map[EventType]int)
	var last Event
	h.orch.AddSink(EventSinkFunc(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[evt.Type]++
		if evt.Type == EventProgress {
			last = evt
		}
	}))

	result := h.orch.DeliverManifest(context.Background(), h.manifest())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, counts[EventFetchSucceeded])
	assert.Equal(t, 1, counts[EventFetchFailed])
	assert.Equal(t, 7, counts[EventProgress])
	assert.Equal(t, 4, counts[EventGroupCompleted])
	assert.Equal(t, 100.0, last.Progress)
	assert.Equal(t, result.BatchID, last.BatchID)
	assert.False(t, last.Timestamp.IsZero())
}

func TestProcessWorkflow(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "malformed payload yields an empty result",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.ProcessWorkflow(context.Background(), []byte(`{"exerciseId": `))

				require.NotNil(t, result)
				assert.NotNil(t, result.ProcessedAssets)
				assert.Empty(t, result.ProcessedAssets)
				require.Len(t, result.FailedAssets, 1)
				assert.Equal(t, ReasonInvalidPayload, result.FailedAssets[0].Reason)
				assert.Positive(t, result.ProcessingTime)
				assert.Empty(t, fetcher.calls)
			},
		},
		{
			name: "valid payload is resolved and delivered",
			testFunc: func(t *testing.T) {
				h := newHarness(t, &scriptedFetcher{}, midDevice)
				raw := []byte(`{
					"exerciseId": "ex-9",
					"content": {"bassline": "/c/bass.mid", "chords": "/c/chords.mid", "drumPattern": 12},
					"samples": {"bass": ["/s/b1.wav", false]},
					"sync": {"tempo": 120, "timeSignature": "4/4"}
				}`)
				result := h.orch.ProcessWorkflow(context.Background(), raw)

				assert.Equal(t, "ex-9", result.ExerciseID)
				assert.Equal(t, []string{"/c/chords.mid", "/c/bass.mid", "/s/b1.wav"}, processedURLs(result))
				assert.Equal(t, []string{"content.drumPattern", "samples.bass.1"}, fields(result.PayloadErrors))
				assert.Equal(t, 120.0, result.Sync.Tempo)
				assert.True(t, result.CriticalPathReady)
				assert.Positive(t, result.ProcessingTime)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestOrchestratorOverHTTP(t *testing.T) {
	var primaryHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(ParamQuality) == "" {
			http.Error(w, "missing quality hint", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(make([]byte, 512))
	}))
	defer secondary.Close()

	regCfg := routing.DefaultRegistryConfig()
	regCfg.RequestsPerSecond = 0
	registry, err := routing.NewRouteHealthRegistry(regCfg, []routing.RouteConfig{
		{ID: "primary", Endpoint: primary.URL, Priority: routing.PriorityPrimary},
		{ID: "secondary", Endpoint: secondary.URL, Priority: routing.PrioritySecondary},
	}, zerolog.Nop())
	require.NoError(t, err)

	scaler, err := audio.NewQualityScaler(audio.DefaultScalerConfig(), midDevice, zerolog.Nop())
	require.NoError(t, err)

	fetcher := NewHTTPFetcher(FetcherConfig{Attempts: 2, Delay: time.Millisecond}, nil, zerolog.Nop())
	orch, err := NewOrchestrator(DefaultOrchestratorConfig(), nil, registry, scaler, nil, fetcher, zerolog.Nop())
	require.NoError(t, err)

	result := orch.ProcessWorkflow(context.Background(), []byte(`{
		"exerciseId": "ex-http",
		"content": {"bassline": "/c/bass.mid", "chords": "/c/chords.mid"},
		"samples": {"bass": ["/s/b1.wav", "/s/b2.wav"]}
	}`))

	require.Empty(t, result.FailedAssets)
	require.Len(t, result.ProcessedAssets, 4)
	for _, p := range result.ProcessedAssets {
		assert.Equal(t, "secondary", p.RouteID)
		assert.Equal(t, int64(512), p.Bytes)
	}
	// two assets with two attempts each before the primary went unavailable
	assert.Equal(t, int32(4), atomic.LoadInt32(&primaryHits))

	route, ok := registry.Route("primary")
	require.True(t, ok)
	assert.Equal(t, routing.HealthUnavailable, route.HealthStatus)

	orch.ClearRoutingHistory()
	assert.Empty(t, registry.RoutingHistory())
}

func TestNewOrchestratorValidation(t *testing.T) {
	registry, err := routing.NewRouteHealthRegistry(routing.DefaultRegistryConfig(), nil, zerolog.Nop())
	require.NoError(t, err)
	quality := newFakeQuality(t, audio.QualityMedium, midDevice)

	_, err = NewOrchestrator(DefaultOrchestratorConfig(), nil, nil, quality, nil, &scriptedFetcher{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOrchestrator(OrchestratorConfig{Concurrency: -1, RouteWait: time.Second}, nil, registry, quality, nil, &scriptedFetcher{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	orch, err := NewOrchestrator(OrchestratorConfig{Concurrency: 3, RouteWait: time.Second}, nil, registry, quality, nil, &scriptedFetcher{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, orch.Concurrency())
	assert.Zero(t, orch.Progress())
}

func TestRouteRecovery(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "missing assets leave routes in rotation",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{missingPaths: map[string]bool{
					"/s/b1.wav": true, "/mirror/s/b1.wav": true,
					"/s/b2.wav": true, "/mirror/s/b2.wav": true,
				}}
				h := newHarness(t, fetcher, midDevice)
				result := h.orch.DeliverManifest(context.Background(), h.manifest())

				assert.Equal(t, []string{
					"/c/chords.mid", "/c/bass.mid", "/c/drums.mid", "/s/d1.wav", "/s/room.ogg",
				}, processedURLs(result))
				failed := failedByURL(result)
				require.Len(t, failed, 2)
				for _, u := range []string{"/s/b1.wav", "/s/b2.wav"} {
					assert.Equal(t, ReasonRoutesExhausted, failed[u].Reason)
					assert.Equal(t, []string{"edge-a", "edge-b"}, failed[u].RoutesTried)
					assert.Contains(t, failed[u].Detail, "404")
				}

				for _, id := range []string{"edge-a", "edge-b"} {
					route, ok := h.registry.Route(id)
					require.True(t, ok)
					assert.Equal(t, routing.HealthHealthy, route.HealthStatus, id)
					assert.Zero(t, route.ConsecutiveFailures, id)
				}

				again := h.orch.DeliverManifest(context.Background(), h.manifest())
				assert.Len(t, again.ProcessedAssets, 5)
				for _, p := range again.ProcessedAssets {
					assert.Equal(t, "edge-a", p.RouteID)
				}
			},
		},
		{
			name: "unavailable routes recover through half-open trials in a later batch",
			testFunc: func(t *testing.T) {
				fetcher := &scriptedFetcher{failHosts: map[string]bool{"a.cdn.test": true, "b.cdn.test": true}}
				h := newHarness(t, fetcher, midDevice, func(c *routing.RegistryConfig) {
					c.HalfOpenAfter = 20 * time.Millisecond
				})

				first := h.orch.DeliverManifest(context.Background(), h.manifest())
				assert.Empty(t, first.ProcessedAssets)
				require.Len(t, first.FailedAssets, 7)
				for _, id := range []string{"edge-a", "edge-b"} {
					route, ok := h.registry.Route(id)
					require.True(t, ok)
					require.Equal(t, routing.HealthUnavailable, route.HealthStatus, id)
				}
				callsBefore := fetcher.callsTo("a.cdn.test")

				fetcher.heal()
				time.Sleep(40 * time.Millisecond)

				second := h.orch.DeliverManifest(context.Background(), h.manifest())
				assert.Len(t, second.ProcessedAssets, 7)
				assert.Empty(t, second.FailedAssets)
				assert.True(t, second.CriticalPathReady)
				for _, p := range second.ProcessedAssets {
					assert.Equal(t, "edge-a", p.RouteID)
				}
				assert.Greater(t, fetcher.callsTo("a.cdn.test"), callsBefore)

				edgeA, ok := h.registry.Route("edge-a")
				require.True(t, ok)
				assert.NotEqual(t, routing.HealthUnavailable, edgeA.HealthStatus)

				var trial *routing.RoutingDecision
				for _, d := range h.registry.RoutingHistory() {
					if d.AssetURL == "/c/chords.mid" && d.SelectedRoute == "edge-a" && strings.HasPrefix(d.Reason, "half-open trial") {
						trial = &d
					}
				}
				require.NotNil(t, trial, "chords should open the route back up")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}
