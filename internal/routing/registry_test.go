package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovelab/audioengine/internal/audio"
)

func testRoutes() []RouteConfig {
	return []RouteConfig{
		{ID: "edge-a", Endpoint: "https://a.cdn.example.com", Priority: PriorityPrimary},
		{ID: "edge-b", Endpoint: "https://b.cdn.example.com", Priority: PrioritySecondary},
		{ID: "origin", Endpoint: "https://origin.example.com/assets", Priority: PriorityTertiary},
	}
}

func newTestRegistry(t *testing.T, mutate func(*RegistryConfig)) *RouteHealthRegistry {
	t.Helper()
	cfg := DefaultRegistryConfig()
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRouteHealthRegistry(cfg, testRoutes(), zerolog.Nop())
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func status(t *testing.T, r *RouteHealthRegistry, id string) HealthStatus {
	t.Helper()
	route, ok := r.Route(id)
	require.True(t, ok)
	return route.HealthStatus
}

func TestRouteHealthTransitions(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "three slow failures make a route unavailable",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				for i := 0; i < 3; i++ {
					require.NoError(t, r.UpdateRouteHealth("edge-a", 1200*time.Millisecond, false))
				}
				assert.Equal(t, HealthUnavailable, status(t, r, "edge-a"))
			},
		},
		{
			name: "a single bad observation never flips a route",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("edge-a", 1200*time.Millisecond, false))
				assert.Equal(t, HealthHealthy, status(t, r, "edge-a"))

				require.NoError(t, r.UpdateRouteHealth("edge-a", 1200*time.Millisecond, false))
				assert.Equal(t, HealthUnavailable, status(t, r, "edge-a"))
			},
		},
		{
			name: "latency over the bound counts as a bad observation",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("edge-b", 1500*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("edge-b", 1500*time.Millisecond, true))
				route, _ := r.Route("edge-b")
				assert.Equal(t, HealthUnavailable, route.HealthStatus)
				assert.Equal(t, 2, route.ConsecutiveFailures)
				assert.InDelta(t, 1.0, route.SuccessRate, 1e-9)
			},
		},
		{
			name: "recovery goes through degraded before healthy",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				for i := 0; i < 3; i++ {
					require.NoError(t, r.UpdateRouteHealth("edge-a", 1200*time.Millisecond, false))
				}

				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				assert.Equal(t, HealthUnavailable, status(t, r, "edge-a"), "one success must not restore the route")

				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				assert.Equal(t, HealthDegraded, status(t, r, "edge-a"))

				// success average climbs 0.891 -> 0.945 -> 0.973 -> 0.986
				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				assert.Equal(t, HealthDegraded, status(t, r, "edge-a"))

				require.NoError(t, r.UpdateRouteHealth("edge-a", 80*time.Millisecond, true))
				assert.Equal(t, HealthHealthy, status(t, r, "edge-a"))
			},
		},
		{
			name: "moving average follows alpha",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("origin", 200*time.Millisecond, false))
				route, _ := r.Route("origin")
				assert.InDelta(t, 0.5, route.SuccessRate, 1e-9)
				assert.Equal(t, 200*time.Millisecond, route.Latency)

				require.NoError(t, r.UpdateRouteHealth("origin", 400*time.Millisecond, true))
				route, _ = r.Route("origin")
				assert.InDelta(t, 0.75, route.SuccessRate, 1e-9)
				assert.Equal(t, 300*time.Millisecond, route.Latency)
				assert.Equal(t, int64(2), route.TotalRequests)
				assert.Equal(t, int64(1), route.FailedRequests)
				assert.False(t, route.LastChecked.IsZero())
			},
		},
		{
			name: "failures without latency keep the latency average",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("edge-a", 300*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("edge-a", 0, false))
				route, _ := r.Route("edge-a")
				assert.Equal(t, 300*time.Millisecond, route.Latency)
			},
		},
		{
			name: "healthy route degrades when averages stay out of band",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("edge-b", 100*time.Millisecond, false))
				assert.Equal(t, HealthHealthy, status(t, r, "edge-b"))
				require.NoError(t, r.UpdateRouteHealth("edge-b", 100*time.Millisecond, true))
				assert.Equal(t, HealthDegraded, status(t, r, "edge-b"))
			},
		},
		{
			name: "transitions are counted",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				counter := routeTransitionsTotal.WithLabelValues("edge-a", "unavailable")
				before := testutil.ToFloat64(counter)
				require.NoError(t, r.UpdateRouteHealth("edge-a", 0, false))
				require.NoError(t, r.UpdateRouteHealth("edge-a", 0, false))
				assert.Equal(t, before+1, testutil.ToFloat64(counter))
			},
		},
		{
			name: "unknown route is rejected",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				assert.ErrorIs(t, r.UpdateRouteHealth("nope", time.Millisecond, true), ErrUnknownRoute)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestSelectRoute(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "highest priority healthy route wins",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				d, err := r.SelectRoute("bass/e1.wav", audio.QualityHigh)
				require.NoError(t, err)
				assert.Equal(t, "edge-a", d.SelectedRoute)
				assert.Equal(t, "https://a.cdn.example.com", d.Endpoint)
				assert.Equal(t, []string{"edge-b", "origin"}, d.AlternativesConsidered)
				assert.Equal(t, audio.QualityHigh, d.QualityLevel)
				assert.NotEmpty(t, d.ID)
				assert.Contains(t, d.Reason, "healthy primary")
			},
		},
		{
			name: "unavailable routes are skipped",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				for i := 0; i < 2; i++ {
					require.NoError(t, r.UpdateRouteHealth("edge-a", 0, false))
				}
				d, err := r.SelectRoute("bass/e1.wav", audio.QualityMedium)
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				assert.Equal(t, []string{"origin"}, d.AlternativesConsidered)
			},
		},
		{
			name: "healthy beats degraded regardless of priority",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				require.NoError(t, r.UpdateRouteHealth("edge-a", 100*time.Millisecond, false))
				require.NoError(t, r.UpdateRouteHealth("edge-a", 100*time.Millisecond, true))
				require.Equal(t, HealthDegraded, status(t, r, "edge-a"))

				d, err := r.SelectRoute("chords.mid", audio.QualityMedium)
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				assert.Equal(t, []string{"origin", "edge-a"}, d.AlternativesConsidered)
			},
		},
		{
			name: "degraded routes above the floor rank first",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, func(c *RegistryConfig) { c.ConfirmAfter = 1 })
				// edge-a: 0.5 success, edge-b: 0.875 success, origin unavailable
				require.NoError(t, r.UpdateRouteHealth("edge-a", 50*time.Millisecond, false))
				require.NoError(t, r.UpdateRouteHealth("edge-b", 50*time.Millisecond, false))
				require.NoError(t, r.UpdateRouteHealth("edge-b", 50*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("edge-b", 50*time.Millisecond, true))
				require.NoError(t, r.UpdateRouteHealth("origin", 0, false))
				require.NoError(t, r.UpdateRouteHealth("origin", 0, false))

				require.Equal(t, HealthDegraded, status(t, r, "edge-a"))
				require.Equal(t, HealthDegraded, status(t, r, "edge-b"))

				d, err := r.SelectRoute("room.wav", audio.QualityLow)
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				assert.Equal(t, []string{"edge-a"}, d.AlternativesConsidered)
			},
		},
		{
			name: "exclusions drive failover",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				d, err := r.SelectRoute("kick.wav", audio.QualityHigh, "edge-a")
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				assert.Contains(t, d.Reason, "failover")

				order := r.FailoverOrder("edge-b")
				require.Len(t, order, 2)
				assert.Equal(t, "edge-a", order[0].ID)
				assert.Equal(t, "origin", order[1].ID)
			},
		},
		{
			name: "no usable route",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, nil)
				d, err := r.SelectRoute("kick.wav", audio.QualityHigh, "edge-a", "edge-b", "origin")
				assert.ErrorIs(t, err, ErrNoRouteAvailable)
				assert.Empty(t, d.SelectedRoute)
				assert.Len(t, r.RoutingHistory(), 1)
			},
		},
		{
			name: "unavailable routes get a half-open trial after resting",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, func(c *RegistryConfig) { c.HalfOpenAfter = time.Minute })
				clock := r.now()
				r.now = func() time.Time { return clock }
				for _, id := range []string{"edge-a", "edge-b", "origin"} {
					require.NoError(t, r.UpdateRouteHealth(id, 0, false))
					require.NoError(t, r.UpdateRouteHealth(id, 0, false))
				}
				_, err := r.SelectRoute("kick.wav", audio.QualityHigh)
				require.ErrorIs(t, err, ErrNoRouteAvailable)

				clock = clock.Add(time.Minute)
				d, err := r.SelectRoute("kick.wav", audio.QualityHigh)
				require.NoError(t, err)
				assert.Equal(t, "edge-a", d.SelectedRoute)
				assert.Contains(t, d.Reason, "half-open trial")

				// one trial per route until it reports back
				d, err = r.SelectRoute("snare.wav", audio.QualityHigh)
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				d, err = r.SelectRoute("hat.wav", audio.QualityHigh)
				require.NoError(t, err)
				assert.Equal(t, "origin", d.SelectedRoute)
				_, err = r.SelectRoute("clap.wav", audio.QualityHigh)
				assert.ErrorIs(t, err, ErrNoRouteAvailable)

				require.NoError(t, r.UpdateRouteHealth("edge-a", 10*time.Millisecond, true))
				for i := 0; i < 2; i++ {
					d, err = r.SelectRoute("kick.wav", audio.QualityHigh)
					require.NoError(t, err)
					assert.Equal(t, "edge-a", d.SelectedRoute)
					require.NoError(t, r.UpdateRouteHealth("edge-a", 10*time.Millisecond, true))
				}
				assert.Equal(t, HealthDegraded, status(t, r, "edge-a"))

				// a failed trial rests again
				require.NoError(t, r.UpdateRouteHealth("edge-b", 0, false))
				_, err = r.SelectRoute("snare.wav", audio.QualityHigh, "edge-a")
				assert.ErrorIs(t, err, ErrNoRouteAvailable)
				clock = clock.Add(time.Minute)
				d, err = r.SelectRoute("snare.wav", audio.QualityHigh, "edge-a")
				require.NoError(t, err)
				assert.Equal(t, "edge-b", d.SelectedRoute)
				assert.Equal(t, "failover to half-open trial of unavailable secondary route", d.Reason)
			},
		},
		{
			name: "zero half-open delay keeps unavailable routes out",
			testFunc: func(t *testing.T) {
				r := newTestRegistry(t, func(c *RegistryConfig) { c.HalfOpenAfter = 0 })
				clock := r.now()
				r.now = func() time.Time { return clock }
				for _, id := range []string{"edge-a", "edge-b", "origin"} {
					require.NoError(t, r.UpdateRouteHealth(id, 0, false))
					require.NoError(t, r.UpdateRouteHealth(id, 0, false))
				}
				clock = clock.Add(24 * time.Hour)
				_, err := r.SelectRoute("kick.wav", audio.QualityHigh)
				assert.ErrorIs(t, err, ErrNoRouteAvailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestRoutingHistoryBounded(t *testing.T) {
	r := newTestRegistry(t, func(c *RegistryConfig) { c.HistorySize = 5 })
	for i := 0; i < 12; i++ {
		_, err := r.SelectRoute(fmt.Sprintf("asset-%02d", i), audio.QualityMedium)
		require.NoError(t, err)
	}

	history := r.RoutingHistory()
	require.Len(t, history, 5)
	assert.Equal(t, "asset-07", history[0].AssetURL)
	assert.Equal(t, "asset-11", history[4].AssetURL)
	assert.Equal(t, int64(12), r.Metrics().TotalDecisions)

	r.ClearRoutingHistory()
	assert.Empty(t, r.RoutingHistory())

	_, err := r.SelectRoute("after-clear", audio.QualityMedium)
	require.NoError(t, err)
	history = r.RoutingHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "after-clear", history[0].AssetURL)
}

func TestRoutingMetrics(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.UpdateRouteHealth("edge-a", 100*time.Millisecond, true))
	require.NoError(t, r.UpdateRouteHealth("edge-b", 300*time.Millisecond, true))
	require.NoError(t, r.UpdateRouteHealth("origin", 0, false))
	require.NoError(t, r.UpdateRouteHealth("origin", 0, false))

	m := r.Metrics()
	assert.Equal(t, 3, m.TotalRoutes)
	assert.Equal(t, 2, m.HealthyRoutes)
	assert.Equal(t, 1, m.UnavailableRoutes)
	assert.Equal(t, 0, m.DegradedRoutes)
	assert.Equal(t, int64(4), m.TotalRequests)
	assert.InDelta(t, (1+1+0.25)/3.0, m.AverageSuccessRate, 1e-9)
	// origin never measured a latency
	assert.Equal(t, (100*time.Millisecond+300*time.Millisecond+0)/3, m.AverageLatency)
}

func TestRegistryRouteManagement(t *testing.T) {
	r := newTestRegistry(t, nil)

	err := r.AddRoute(RouteConfig{ID: "edge-a", Endpoint: "https://dup.example.com"})
	assert.ErrorIs(t, err, ErrDuplicateRoute)

	err = r.AddRoute(RouteConfig{ID: "bad", Endpoint: "ftp://files.example.com"})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	require.NoError(t, r.AddRoute(RouteConfig{ID: "edge-c", Endpoint: "http://c.example.com", Priority: PrioritySecondary}))
	assert.Len(t, r.Routes(), 4)

	require.NoError(t, r.RemoveRoute("edge-a"))
	assert.ErrorIs(t, r.RemoveRoute("edge-a"), ErrUnknownRoute)

	ids := make([]string, 0)
	for _, route := range r.Routes() {
		ids = append(ids, route.ID)
	}
	assert.Equal(t, []string{"edge-b", "origin", "edge-c"}, ids)

	d, err := r.SelectRoute("x", audio.QualityMedium)
	require.NoError(t, err)
	assert.Equal(t, "edge-b", d.SelectedRoute)
}

func TestRegistryReset(t *testing.T) {
	r := newTestRegistry(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.UpdateRouteHealth("edge-a", 0, false))
	}
	_, err := r.SelectRoute("a", audio.QualityMedium)
	require.NoError(t, err)

	r.Reset()
	route, _ := r.Route("edge-a")
	assert.Equal(t, HealthHealthy, route.HealthStatus)
	assert.Equal(t, 1.0, route.SuccessRate)
	assert.Zero(t, route.TotalRequests)
	assert.Empty(t, r.RoutingHistory())
	assert.Zero(t, r.Metrics().TotalDecisions)

	// averages restart from the seeded success rate
	require.NoError(t, r.UpdateRouteHealth("edge-a", 100*time.Millisecond, false))
	route, _ = r.Route("edge-a")
	assert.InDelta(t, 0.5, route.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, route.Latency)
}

func TestRegistryAllow(t *testing.T) {
	r := newTestRegistry(t, func(c *RegistryConfig) {
		c.RequestsPerSecond = 1
		c.Burst = 1
	})

	require.NoError(t, r.Allow(context.Background(), "edge-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Allow(ctx, "edge-a"))

	// limiters are per route
	require.NoError(t, r.Allow(context.Background(), "edge-b"))
	assert.ErrorIs(t, r.Allow(context.Background(), "nope"), ErrUnknownRoute)

	unlimited := newTestRegistry(t, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Allow(context.Background(), "edge-a"))
	}
}

func TestRegistryConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistryConfig)
	}{
		{"alpha of one", func(c *RegistryConfig) { c.Alpha = 1 }},
		{"single sample flip", func(c *RegistryConfig) { c.UnavailableAfter = 1 }},
		{"degraded above healthy", func(c *RegistryConfig) { c.DegradedSuccessRate = 0.99 }},
		{"zero latency bound", func(c *RegistryConfig) { c.LatencyBound = 0 }},
		{"empty history", func(c *RegistryConfig) { c.HistorySize = 0 }},
		{"rate without burst", func(c *RegistryConfig) { c.Burst = 0 }},
		{"negative half-open delay", func(c *RegistryConfig) { c.HalfOpenAfter = -time.Second }},
	}

	assert.NoError(t, DefaultRegistryConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRegistryConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
			_, err := NewRouteHealthRegistry(cfg, nil, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestRegistryConcurrentUpdates(t *testing.T) {
	r := newTestRegistry(t, func(c *RegistryConfig) { c.HistorySize = 16 })

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := testRoutes()[i%3].ID
				_ = r.UpdateRouteHealth(id, time.Duration(i)*time.Millisecond, (i+w)%4 != 0)
				_, _ = r.SelectRoute(fmt.Sprintf("w%d-%d", w, i), audio.QualityMedium)
			}
		}(w)
	}
	wg.Wait()

	m := r.Metrics()
	assert.Equal(t, int64(400), m.TotalRequests)
	assert.Equal(t, int64(400), m.TotalDecisions)
	assert.Len(t, r.RoutingHistory(), 16)
	for _, route := range r.Routes() {
		assert.GreaterOrEqual(t, route.SuccessRate, 0.0)
		assert.LessOrEqual(t, route.SuccessRate, 1.0)
	}
}

func TestPriorityText(t *testing.T) {
	var p RoutePriority
	require.NoError(t, p.UnmarshalText([]byte("Secondary")))
	assert.Equal(t, PrioritySecondary, p)
	assert.Error(t, p.UnmarshalText([]byte("quaternary")))

	text, err := HealthUnavailable.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "unavailable", string(text))
}
