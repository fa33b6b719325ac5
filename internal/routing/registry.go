package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/stats"
)

// RegistryConfig configures route health classification and selection.
type RegistryConfig struct {
	// Alpha is the weight kept by the previous average on each observation.
	Alpha float64 `mapstructure:"alpha"`

	HealthySuccessRate  float64       `mapstructure:"healthy_success_rate"`
	DegradedSuccessRate float64       `mapstructure:"degraded_success_rate"`
	LatencyBound        time.Duration `mapstructure:"latency_bound"`

	UnavailableAfter int `mapstructure:"unavailable_after"`
	RecoverAfter     int `mapstructure:"recover_after"`
	ConfirmAfter     int `mapstructure:"confirm_after"`

	// HalfOpenAfter is how long an unavailable route rests before one trial
	// request may go to it as a last resort. Zero keeps unavailable routes out
	// of rotation until Reset.
	HalfOpenAfter time.Duration `mapstructure:"half_open_after"`

	HistorySize  int `mapstructure:"history_size"`
	SampleWindow int `mapstructure:"sample_window"`

	// RequestsPerSecond of zero disables per-route limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DefaultRegistryConfig returns the standard thresholds
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Alpha:               0.5,
		HealthySuccessRate:  0.95,
		DegradedSuccessRate: 0.80,
		LatencyBound:        1000 * time.Millisecond,
		UnavailableAfter:    2,
		RecoverAfter:        3,
		ConfirmAfter:        2,
		HalfOpenAfter:       30 * time.Second,
		HistorySize:         100,
		SampleWindow:        32,
		RequestsPerSecond:   20,
		Burst:               10,
	}
}

// Validate rejects configurations the registry cannot run with
func (c RegistryConfig) Validate() error {
	switch {
	case c.Alpha < 0 || c.Alpha >= 1:
		return fmt.Errorf("%w: alpha %.2f outside [0, 1)", ErrInvalidConfig, c.Alpha)
	case c.HealthySuccessRate <= 0 || c.HealthySuccessRate > 1:
		return fmt.Errorf("%w: healthy success rate %.2f", ErrInvalidConfig, c.HealthySuccessRate)
	case c.DegradedSuccessRate < 0 || c.DegradedSuccessRate > c.HealthySuccessRate:
		return fmt.Errorf("%w: degraded success rate %.2f", ErrInvalidConfig, c.DegradedSuccessRate)
	case c.LatencyBound <= 0:
		return fmt.Errorf("%w: latency bound must be positive", ErrInvalidConfig)
	case c.UnavailableAfter < 2:
		// a single sample never flips a route
		return fmt.Errorf("%w: unavailable after %d observations", ErrInvalidConfig, c.UnavailableAfter)
	case c.RecoverAfter < 1 || c.ConfirmAfter < 1:
		return fmt.Errorf("%w: recovery thresholds must be positive", ErrInvalidConfig)
	case c.HalfOpenAfter < 0:
		return fmt.Errorf("%w: half-open delay must not be negative", ErrInvalidConfig)
	case c.HistorySize < 1 || c.SampleWindow < 1:
		return fmt.Errorf("%w: history and sample window must be positive", ErrInvalidConfig)
	case c.RequestsPerSecond < 0 || (c.RequestsPerSecond > 0 && c.Burst < 1):
		return fmt.Errorf("%w: rate limit %.1f/s burst %d", ErrInvalidConfig, c.RequestsPerSecond, c.Burst)
	}
	return nil
}

type routeState struct {
	info CDNRoute

	success *stats.Rolling
	latency *stats.Rolling

	// consecutive observations with averages inside/outside the healthy band
	inBand    int
	outOfBand int

	// last time an unavailable route was handed out for a trial request
	trialAt time.Time

	limiter *rate.Limiter
}

// RouteHealthRegistry owns the route table. All health mutation goes through
// its methods.
type RouteHealthRegistry struct {
	config RegistryConfig
	logger zerolog.Logger
	now    func() time.Time

	mu             sync.RWMutex
	routes         map[string]*routeState
	order          []string
	history        *decisionRing
	totalDecisions int64
}

// NewRouteHealthRegistry builds a registry with the given routes, all healthy
func NewRouteHealthRegistry(cfg RegistryConfig, routes []RouteConfig, logger zerolog.Logger) (*RouteHealthRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &RouteHealthRegistry{
		config:  cfg,
		logger:  logger.With().Str("component", "route-registry").Logger(),
		now:     time.Now,
		routes:  make(map[string]*routeState, len(routes)),
		history: newDecisionRing(cfg.HistorySize),
	}
	for _, rc := range routes {
		if err := r.AddRoute(rc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Config returns the active configuration
func (r *RouteHealthRegistry) Config() RegistryConfig {
	return r.config
}

// AddRoute registers a new healthy route
func (r *RouteHealthRegistry) AddRoute(rc RouteConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[rc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, rc.ID)
	}

	state := &routeState{
		info: CDNRoute{
			ID:           rc.ID,
			Endpoint:     rc.Endpoint,
			Priority:     rc.Priority,
			HealthStatus: HealthHealthy,
			SuccessRate:  1,
		},
		success: stats.MustRolling(r.config.SampleWindow, r.config.Alpha),
		latency: stats.MustRolling(r.config.SampleWindow, r.config.Alpha),
		limiter: r.newLimiter(),
	}
	state.success.Seed(1)
	r.routes[rc.ID] = state
	r.order = append(r.order, rc.ID)

	routeHealth.WithLabelValues(rc.ID).Set(float64(HealthHealthy))
	routeSuccessRate.WithLabelValues(rc.ID).Set(1)
	r.logger.Info().Str("route", rc.ID).Str("endpoint", rc.Endpoint).Stringer("priority", rc.Priority).Msg("route registered")
	return nil
}

func (r *RouteHealthRegistry) newLimiter() *rate.Limiter {
	if r.config.RequestsPerSecond == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}

// RemoveRoute drops a route from the table
func (r *RouteHealthRegistry) RemoveRoute(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	delete(r.routes, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	forgetRoute(id)
	r.logger.Info().Str("route", id).Msg("route removed")
	return nil
}

// UpdateRouteHealth folds one fetch outcome into the route's rolling averages
// and reclassifies it. A route never changes class on a single observation.
func (r *RouteHealthRegistry) UpdateRouteHealth(id string, latency time.Duration, success bool) error {
	r.mu.Lock()
	state, ok := r.routes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	if latency < 0 {
		latency = 0
	}

	cfg := r.config
	info := &state.info
	previous := info.HealthStatus

	outcome := 0.0
	if success {
		outcome = 1
	}
	info.SuccessRate = state.success.Add(outcome)
	// failures without a measured latency leave the latency average alone
	if success || latency > 0 {
		info.Latency = time.Duration(state.latency.Add(float64(latency)))
	}
	info.TotalRequests++
	info.LastChecked = r.now()

	good := success && latency <= cfg.LatencyBound
	if good {
		info.ConsecutiveSuccesses++
		info.ConsecutiveFailures = 0
	} else {
		info.FailedRequests++
		info.ConsecutiveFailures++
		info.ConsecutiveSuccesses = 0
	}

	if info.SuccessRate >= cfg.HealthySuccessRate && info.Latency <= cfg.LatencyBound {
		state.inBand++
		state.outOfBand = 0
	} else {
		state.outOfBand++
		state.inBand = 0
	}

	switch {
	case info.ConsecutiveFailures >= cfg.UnavailableAfter:
		info.HealthStatus = HealthUnavailable
	case previous == HealthUnavailable:
		if info.ConsecutiveSuccesses >= cfg.RecoverAfter {
			info.HealthStatus = HealthDegraded
		}
	case previous == HealthHealthy:
		if state.outOfBand >= cfg.ConfirmAfter {
			info.HealthStatus = HealthDegraded
		}
	case previous == HealthDegraded:
		if state.inBand >= cfg.ConfirmAfter {
			info.HealthStatus = HealthHealthy
		}
	}

	snapshot := *info
	r.mu.Unlock()

	recordRouteMetrics(snapshot, success)
	if snapshot.HealthStatus != previous {
		recordTransition(id, snapshot.HealthStatus)
		r.logger.Warn().
			Str("route", id).
			Stringer("from", previous).
			Stringer("to", snapshot.HealthStatus).
			Float64("success_rate", snapshot.SuccessRate).
			Dur("latency", snapshot.Latency).
			Msg("route health changed")
	} else {
		r.logger.Debug().
			Str("route", id).
			Bool("success", success).
			Dur("latency", latency).
			Float64("success_rate", snapshot.SuccessRate).
			Msg("route observation recorded")
	}
	return nil
}

// halfOpenLocked reports whether an unavailable route may take a trial
// request. After a successful trial it stays open until it recovers or fails.
func (r *RouteHealthRegistry) halfOpenLocked(state *routeState, now time.Time) bool {
	if r.config.HalfOpenAfter <= 0 {
		return false
	}
	info := state.info
	if info.ConsecutiveSuccesses > 0 {
		return true
	}
	last := info.LastChecked
	if state.trialAt.After(last) {
		last = state.trialAt
	}
	return now.Sub(last) >= r.config.HalfOpenAfter
}

// candidatesLocked returns usable routes in selection order: healthy by
// priority, then degraded ranked by whether they clear the degraded floor,
// then unavailable routes whose half-open delay has passed.
func (r *RouteHealthRegistry) candidatesLocked(exclude []string) []CDNRoute {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	floor := r.config.DegradedSuccessRate
	now := r.now()
	out := make([]CDNRoute, 0, len(r.order))
	for _, id := range r.order {
		if _, excluded := skip[id]; excluded {
			continue
		}
		state := r.routes[id]
		if state.info.HealthStatus == HealthUnavailable && !r.halfOpenLocked(state, now) {
			continue
		}
		out = append(out, state.info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HealthStatus != b.HealthStatus {
			return a.HealthStatus < b.HealthStatus
		}
		if a.HealthStatus == HealthDegraded {
			aOK, bOK := a.SuccessRate >= floor, b.SuccessRate >= floor
			if aOK != bOK {
				return aOK
			}
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Latency < b.Latency
	})
	return out
}

// SelectRoute picks the best usable route for an asset and records the decision.
// An unavailable route is only selected when nothing else is usable and its
// half-open delay has passed; the caller reports the outcome through
// UpdateRouteHealth.
func (r *RouteHealthRegistry) SelectRoute(assetURL string, quality audio.QualityLevel, exclude ...string) (RoutingDecision, error) {
	r.mu.Lock()
	candidates := r.candidatesLocked(exclude)

	decision := RoutingDecision{
		ID:           uuid.New().String(),
		AssetURL:     assetURL,
		QualityLevel: quality,
		Timestamp:    r.now(),
	}

	var err error
	if len(candidates) == 0 {
		decision.Reason = "no healthy or degraded route available"
		decision.AlternativesConsidered = []string{}
		err = fmt.Errorf("%w for %s", ErrNoRouteAvailable, assetURL)
	} else {
		chosen := candidates[0]
		if chosen.HealthStatus == HealthUnavailable {
			r.routes[chosen.ID].trialAt = decision.Timestamp
		}
		decision.SelectedRoute = chosen.ID
		decision.Endpoint = chosen.Endpoint
		decision.LatencyExpected = chosen.Latency
		decision.Reason = selectionReason(chosen, len(exclude) > 0)
		decision.AlternativesConsidered = make([]string, 0, len(candidates)-1)
		for _, alt := range candidates[1:] {
			decision.AlternativesConsidered = append(decision.AlternativesConsidered, alt.ID)
		}
	}

	r.history.push(decision)
	r.totalDecisions++
	r.mu.Unlock()

	recordDecision(decision.SelectedRoute)
	if err != nil {
		r.logger.Warn().Str("asset", assetURL).Strs("excluded", exclude).Msg("no route available")
		return decision, err
	}
	r.logger.Debug().
		Str("asset", assetURL).
		Str("route", decision.SelectedRoute).
		Str("reason", decision.Reason).
		Msg("route selected")
	return decision, nil
}

func selectionReason(route CDNRoute, failover bool) string {
	reason := fmt.Sprintf("%s %s route", route.HealthStatus, route.Priority)
	if route.HealthStatus == HealthUnavailable {
		reason = "half-open trial of " + reason
	}
	if failover {
		reason = "failover to " + reason
	}
	return reason
}

// FailoverOrder lists usable routes in the order SelectRoute would try them
func (r *RouteHealthRegistry) FailoverOrder(exclude ...string) []CDNRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.candidatesLocked(exclude)
}

// Allow waits for the route's request limiter
func (r *RouteHealthRegistry) Allow(ctx context.Context, id string) error {
	r.mu.RLock()
	state, ok := r.routes[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	return state.limiter.Wait(ctx)
}

// Route returns a snapshot of one route
func (r *RouteHealthRegistry) Route(id string) (CDNRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.routes[id]
	if !ok {
		return CDNRoute{}, false
	}
	return state.info, true
}

// Routes returns a snapshot of the route table in registration order
func (r *RouteHealthRegistry) Routes() []CDNRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CDNRoute, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.routes[id].info)
	}
	return out
}

// RoutingHistory returns the retained decisions, oldest first
func (r *RouteHealthRegistry) RoutingHistory() []RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.snapshot()
}

// ClearRoutingHistory empties the decision ring
func (r *RouteHealthRegistry) ClearRoutingHistory() {
	r.mu.Lock()
	dropped := r.history.len()
	r.history.clear()
	r.mu.Unlock()
	r.logger.Info().Int("dropped", dropped).Msg("routing history cleared")
}

// Metrics aggregates the route table
func (r *RouteHealthRegistry) Metrics() RoutingMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := RoutingMetrics{
		TotalRoutes:    len(r.order),
		TotalDecisions: r.totalDecisions,
	}
	var (
		successSum float64
		latencySum time.Duration
		measured   int
	)
	for _, id := range r.order {
		info := r.routes[id].info
		switch info.HealthStatus {
		case HealthHealthy:
			m.HealthyRoutes++
		case HealthDegraded:
			m.DegradedRoutes++
		case HealthUnavailable:
			m.UnavailableRoutes++
		}
		successSum += info.SuccessRate
		m.TotalRequests += info.TotalRequests
		if info.TotalRequests > 0 {
			latencySum += info.Latency
			measured++
		}
	}
	if m.TotalRoutes > 0 {
		m.AverageSuccessRate = successSum / float64(m.TotalRoutes)
	}
	if measured > 0 {
		m.AverageLatency = latencySum / time.Duration(measured)
	}
	return m
}

// Reset returns every route to a fresh healthy state and clears history
func (r *RouteHealthRegistry) Reset() {
	r.mu.Lock()
	for _, id := range r.order {
		state := r.routes[id]
		state.success.Reset()
		state.success.Seed(1)
		state.latency.Reset()
		state.inBand, state.outOfBand = 0, 0
		state.trialAt = time.Time{}
		state.limiter = r.newLimiter()
		state.info = CDNRoute{
			ID:           state.info.ID,
			Endpoint:     state.info.Endpoint,
			Priority:     state.info.Priority,
			HealthStatus: HealthHealthy,
			SuccessRate:  1,
		}
		routeHealth.WithLabelValues(id).Set(float64(HealthHealthy))
		routeSuccessRate.WithLabelValues(id).Set(1)
	}
	r.history.clear()
	r.totalDecisions = 0
	r.mu.Unlock()
	r.logger.Info().Msg("route registry reset")
}
