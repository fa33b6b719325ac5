// Package routing tracks delivery endpoint health and picks a route per asset.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/groovelab/audioengine/internal/audio"
)

// Errors
var (
	ErrNoRouteAvailable = errors.New("no delivery route available")
	ErrUnknownRoute     = errors.New("unknown route")
	ErrDuplicateRoute   = errors.New("route already registered")
	ErrInvalidRoute     = errors.New("invalid route")
	ErrInvalidConfig    = errors.New("invalid registry configuration")
)

// RoutePriority orders routes for selection. Lower values are preferred.
type RoutePriority int

const (
	PriorityPrimary RoutePriority = iota
	PrioritySecondary
	PriorityTertiary
)

func (p RoutePriority) String() string {
	switch p {
	case PriorityPrimary:
		return "primary"
	case PrioritySecondary:
		return "secondary"
	case PriorityTertiary:
		return "tertiary"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText encodes the priority by name
func (p RoutePriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name
func (p *RoutePriority) UnmarshalText(text []byte) error {
	parsed, err := ParseRoutePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseRoutePriority converts a priority name
func ParseRoutePriority(name string) (RoutePriority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "primary":
		return PriorityPrimary, nil
	case "secondary":
		return PrioritySecondary, nil
	case "tertiary":
		return PriorityTertiary, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidRoute, name)
	}
}

// HealthStatus is the coarse health class of a route.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
	HealthUnavailable
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// RouteConfig declares one delivery endpoint.
type RouteConfig struct {
	ID       string        `json:"id" mapstructure:"id"`
	Endpoint string        `json:"endpoint" mapstructure:"endpoint"`
	Priority RoutePriority `json:"priority" mapstructure:"priority"`
}

// Validate checks the route has an id and an absolute http(s) endpoint
func (c RouteConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRoute)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: route %s endpoint %q must be an absolute http(s) url", ErrInvalidRoute, c.ID, c.Endpoint)
	}
	if c.Priority < PriorityPrimary || c.Priority > PriorityTertiary {
		return fmt.Errorf("%w: route %s priority out of range", ErrInvalidRoute, c.ID)
	}
	return nil
}

// CDNRoute is a snapshot of one route's tracked health.
type CDNRoute struct {
	ID                   string        `json:"id"`
	Endpoint             string        `json:"endpoint"`
	Priority             RoutePriority `json:"priority"`
	HealthStatus         HealthStatus  `json:"healthStatus"`
	SuccessRate          float64       `json:"successRate"`
	Latency              time.Duration `json:"latency"`
	ConsecutiveFailures  int           `json:"consecutiveFailures"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	TotalRequests        int64         `json:"totalRequests"`
	FailedRequests       int64         `json:"failedRequests"`
	LastChecked          time.Time     `json:"lastChecked"`
}

// RoutingDecision records one route selection.
type RoutingDecision struct {
	ID                     string             `json:"id"`
	AssetURL               string             `json:"assetUrl"`
	SelectedRoute          string             `json:"selectedRoute"`
	Endpoint               string             `json:"endpoint,omitempty"`
	Reason                 string             `json:"reason"`
	AlternativesConsidered []string           `json:"alternativesConsidered"`
	LatencyExpected        time.Duration      `json:"latencyExpected"`
	QualityLevel           audio.QualityLevel `json:"qualityLevel"`
	Timestamp              time.Time          `json:"timestamp"`
}

// RoutingMetrics aggregates the route table for observability.
type RoutingMetrics struct {
	TotalRoutes        int           `json:"totalRoutes"`
	HealthyRoutes      int           `json:"healthyRoutes"`
	DegradedRoutes     int           `json:"degradedRoutes"`
	UnavailableRoutes  int           `json:"unavailableRoutes"`
	AverageLatency     time.Duration `json:"averageLatency"`
	AverageSuccessRate float64       `json:"averageSuccessRate"`
	TotalDecisions     int64         `json:"totalDecisions"`
	TotalRequests      int64         `json:"totalRequests"`
}
