// Package metrics holds the relayer's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayer"

// Registry is the process registry served at /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	RelaySubmissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_submissions_total",
		Help:      "Relayed calls by submission path and outcome.",
	}, []string{"path", "outcome"})

	RelayDedupHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_dedup_hits_total",
		Help:      "Relay requests answered from the in-flight map or ledger.",
	})

	StatusChecks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_checks_total",
		Help:      "Enablement status answers by deciding source.",
	}, []string{"source"})

	RateLimited = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a per-wallet limiter.",
	}, []string{"scope"})

	SessionRegistrations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_registrations_total",
		Help:      "Session key registration attempts by outcome.",
	}, []string{"outcome"})

	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
