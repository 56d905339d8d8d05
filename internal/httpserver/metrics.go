package httpserver

import "github.com/prometheus/client_golang/prometheus"

// Request outcomes recorded on the proxy listener.
const (
	outcomeHit      = "hit"
	outcomeMiss     = "miss"
	outcomeBypass   = "bypass"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

var proxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "graphproxy_requests_total",
		Help: "Proxy requests by outcome.",
	},
	[]string{"outcome"},
)

var invalidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "graphproxy_invalidations_total",
		Help: "Cache invalidations by origin.",
	},
	[]string{"origin"},
)

func init() {
	prometheus.MustRegister(proxyRequestsTotal)
	prometheus.MustRegister(invalidationsTotal)
}
