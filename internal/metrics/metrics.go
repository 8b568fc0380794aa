// Package metrics declares the Sentinel's Prometheus instrumentation:
// package-level metric vars registered once in init, scraped from a side
// HTTP listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casparianflow_connected_workers",
		Help: "Number of workers currently connected to the sentinel",
	})

	PendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casparianflow_pending_jobs",
		Help: "Number of jobs currently in PENDING state",
	})

	DispatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casparianflow_dispatches_total",
		Help: "Total number of jobs claimed and dispatched to a worker",
	})

	JobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casparianflow_job_outcomes_total",
		Help: "Total number of concluded jobs by outcome",
	}, []string{"outcome"}) // "completed", "failed", "rejected", "dispatch_timeout"

	LeasesReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casparianflow_leases_reaped_total",
		Help: "Total number of expired leases returned to PENDING or failed permanently",
	})

	ClaimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "casparianflow_claim_duration_seconds",
		Help:    "Time taken by a single claim transaction",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ConnectedWorkers)
	prometheus.MustRegister(PendingJobs)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(JobOutcomesTotal)
	prometheus.MustRegister(LeasesReapedTotal)
	prometheus.MustRegister(ClaimDuration)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
