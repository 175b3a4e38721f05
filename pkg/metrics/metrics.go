// Package metrics provides the Prometheus registry, the engine-wide gauges
// and the /metrics handler. Component metrics are defined in their
// respective packages (client, ratelimit, job, fetcher, correlate, batch,
// cache) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by chainfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

var (
	// Accounts tracks the accounts fetched by this process.
	Accounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainfetch_accounts",
		Help: "Accounts fetched by this process",
	})

	// AccountsFailing tracks accounts whose last fetch failed.
	AccountsFailing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainfetch_accounts_failing",
		Help: "Accounts with a recorded fetch failure",
	})

	// PendingIDs tracks entity ids waiting to be resolved.
	PendingIDs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainfetch_pending_ids",
		Help: "Entity ids waiting to be resolved",
	})

	// Rejected counts requests refused by the engine by reason.
	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_rejected_total",
		Help: "Requests refused by the engine",
	}, []string{"reason"}) // "not_owned", "invalid_account", "closed"
)

// Handler serves the metrics of Gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Engine (pkg/metrics):
//   - chainfetch_accounts, chainfetch_accounts_failing, chainfetch_pending_ids (Gauge)
//   - chainfetch_rejected_total{reason} (Counter)
//
// Remote calls (pkg/client, pkg/ratelimit):
//   - chainfetch_requests_total{source, status}, chainfetch_request_duration_seconds{source}
//   - chainfetch_errors_total{source, class}, chainfetch_retries_total{error_class}
//   - chainfetch_ratelimit_wait_seconds{client}, chainfetch_ratelimit_in_flight{client}
//   - chainfetch_provider_requests_remaining{source}, chainfetch_provider_throttles_total{source}
//
// Fetching (pkg/job, pkg/fetcher, pkg/batch):
//   - chainfetch_job_ticks_total{direction, outcome}, chainfetch_job_interval_seconds{direction}
//   - chainfetch_fetcher_pages_total{source, direction}, chainfetch_fetcher_entities_indexed_total{source, direction}
//   - chainfetch_batch_resolved_total{outcome}
//
// Requests (pkg/correlate, pkg/cache):
//   - chainfetch_correlate_requests_total{kind}, chainfetch_correlate_completed_total{kind, outcome}
//   - chainfetch_cache_hits_total, chainfetch_cache_misses_total
//
// Example Prometheus Queries:
//
//   # Expired request ratio
//   sum(rate(chainfetch_correlate_completed_total{outcome="expired"}[5m])) /
//   sum(rate(chainfetch_correlate_completed_total[5m]))
//
//   # Provider close to throttling
//   chainfetch_provider_requests_remaining < 10
//
//   # P95 remote latency
//   histogram_quantile(0.95, rate(chainfetch_request_duration_seconds_bucket[5m]))
