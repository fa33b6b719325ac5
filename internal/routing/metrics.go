package routing

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the routing collectors.
	Registry = prometheus.NewRegistry()

	routeSuccessRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioengine_route_success_rate",
			Help: "Rolling success rate per delivery route",
		},
		[]string{"route"},
	)

	routeLatencySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioengine_route_latency_seconds",
			Help: "Rolling fetch latency per delivery route",
		},
		[]string{"route"},
	)

	routeHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audioengine_route_health_status",
			Help: "Route health class (0=healthy, 1=degraded, 2=unavailable)",
		},
		[]string{"route"},
	)

	routeObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_route_observations_total",
			Help: "Fetch outcomes recorded per route",
		},
		[]string{"route", "outcome"},
	)

	routeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_route_transitions_total",
			Help: "Route health state changes by target state",
		},
		[]string{"route", "to"},
	)

	routingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audioengine_routing_decisions_total",
			Help: "Routing decisions by selected route",
		},
		[]string{"route"},
	)
)

func init() {
	Registry.MustRegister(
		routeSuccessRate,
		routeLatencySeconds,
		routeHealth,
		routeObservationsTotal,
		routeTransitionsTotal,
		routingDecisionsTotal,
	)
}

func recordRouteMetrics(r CDNRoute, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	routeObservationsTotal.WithLabelValues(r.ID, outcome).Inc()
	routeSuccessRate.WithLabelValues(r.ID).Set(r.SuccessRate)
	routeLatencySeconds.WithLabelValues(r.ID).Set(r.Latency.Seconds())
	routeHealth.WithLabelValues(r.ID).Set(float64(r.HealthStatus))
}

func recordTransition(id string, to HealthStatus) {
	routeTransitionsTotal.WithLabelValues(id, to.String()).Inc()
	routeHealth.WithLabelValues(id).Set(float64(to))
}

func recordDecision(routeID string) {
	if routeID == "" {
		routeID = "none"
	}
	routingDecisionsTotal.WithLabelValues(routeID).Inc()
}

func forgetRoute(id string) {
	routeSuccessRate.DeleteLabelValues(id)
	routeLatencySeconds.DeleteLabelValues(id)
	routeHealth.DeleteLabelValues(id)
}
