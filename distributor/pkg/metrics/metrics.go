package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relief_distributor_build_info",
			Help: "Build information of the relief distributor",
		},
		[]string{"version", "commit", "date"},
	)

	DistributionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relief_distributor_runs_total",
			Help: "Total number of distribution runs",
		},
		[]string{"status"},
	)

	DistributionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relief_distributor_run_duration_seconds",
			Help:    "Duration of distribution runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	RecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relief_distributor_recipients_total",
			Help: "Recipients processed, by final state",
		},
		[]string{"state"},
	)

	BundleSubmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relief_distributor_bundle_submit_total",
			Help: "Bundle submissions, by result",
		},
		[]string{"status"},
	)

	BundleSubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relief_distributor_bundle_submit_duration_seconds",
			Help:    "Duration of atomic bundle submissions including confirmation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	LedgerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relief_distributor_ledger_requests_total",
			Help: "Ledger RPC requests, by method and status",
		},
		[]string{"method", "status"},
	)

	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relief_distributor_ledger_request_duration_seconds",
			Help:    "Duration of ledger RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method"},
	)
)

// ObserveLedgerRequest records one RPC round-trip.
func ObserveLedgerRequest(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LedgerRequestsTotal.WithLabelValues(method, status).Inc()
	LedgerRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
