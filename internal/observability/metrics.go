package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	ledgerAppendTotal    *prometheus.CounterVec
	ledgerAppendDuration *prometheus.HistogramVec
	ledgerVerifyTotal    *prometheus.CounterVec
	ledgerRecords        *prometheus.GaugeVec

	tierStoreTotal    *prometheus.CounterVec
	tierStoreDuration *prometheus.HistogramVec
	tierScanFailures  prometheus.Counter

	searchTotal     *prometheus.CounterVec
	searchDuration  prometheus.Histogram
	searchReturned  prometheus.Histogram
	evidenceFailure prometheus.Counter

	gateTransitionTotal *prometheus.CounterVec
	gatePending         prometheus.Gauge

	integrityHalted prometheus.Gauge
	rateLimited     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			ledgerAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledger_append_total",
					Help: "Total ledger appends by chain and status.",
				},
				[]string{"chain", "status"},
			),
			ledgerAppendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ledger_append_duration_seconds",
					Help:    "Ledger append duration in seconds, lock wait included.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"chain"},
			),
			ledgerVerifyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledger_verify_total",
					Help: "Total chain verifications by chain and result.",
				},
				[]string{"chain", "result"},
			),
			ledgerRecords: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ledger_records",
					Help: "Records seen by the last verification of each chain.",
				},
				[]string{"chain"},
			),
			tierStoreTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tier_store_total",
					Help: "Total tier store writes by tier and status.",
				},
				[]string{"tier", "status"},
			),
			tierStoreDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tier_store_duration_seconds",
					Help:    "Tier store write duration in seconds by tier.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tier"},
			),
			tierScanFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tier_scan_file_failures_total",
					Help: "Partition files skipped during scans because they could not be read.",
				},
			),
			searchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_total",
					Help: "Total searches by outcome (hit, no_hit, error).",
				},
				[]string{"outcome"},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_duration_seconds",
					Help:    "Search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			searchReturned: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_returned_items",
					Help:    "Items returned per search.",
					Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50, 100},
				},
			),
			evidenceFailure: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "search_evidence_write_failures_total",
					Help: "Search evidence files that could not be written.",
				},
			),
			gateTransitionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gate_transition_total",
					Help: "Gate operations by action and result code.",
				},
				[]string{"action", "result"},
			),
			gatePending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gate_pending_proposals",
					Help: "Pending proposals at the last stats call.",
				},
			),
			integrityHalted: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "integrity_halted",
					Help: "1 while writes are halted after a failed verification.",
				},
			),
			rateLimited: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limited_total",
					Help: "Requests rejected by per-actor rate limits, by operation.",
				},
				[]string{"operation"},
			),
		}

		prometheus.MustRegister(
			m.ledgerAppendTotal,
			m.ledgerAppendDuration,
			m.ledgerVerifyTotal,
			m.ledgerRecords,
			m.tierStoreTotal,
			m.tierStoreDuration,
			m.tierScanFailures,
			m.searchTotal,
			m.searchDuration,
			m.searchReturned,
			m.evidenceFailure,
			m.gateTransitionTotal,
			m.gatePending,
			m.integrityHalted,
			m.rateLimited,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the registered collectors.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLedgerAppend(chain string, duration time.Duration, success bool) {
	m := getMetrics()
	m.ledgerAppendTotal.WithLabelValues(chain, status(success)).Inc()
	m.ledgerAppendDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

func RecordLedgerVerify(chain string, ok bool, records int) {
	m := getMetrics()
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.ledgerVerifyTotal.WithLabelValues(chain, result).Inc()
	m.ledgerRecords.WithLabelValues(chain).Set(float64(records))
}

func RecordTierStore(tier string, duration time.Duration, success bool) {
	m := getMetrics()
	m.tierStoreTotal.WithLabelValues(tier, status(success)).Inc()
	m.tierStoreDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

func RecordScanFailures(n int) {
	if n <= 0 {
		return
	}
	getMetrics().tierScanFailures.Add(float64(n))
}

func RecordSearch(duration time.Duration, returned int, err error) {
	m := getMetrics()
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case returned == 0:
		outcome = "no_hit"
	}
	m.searchTotal.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(duration.Seconds())
	if err == nil {
		m.searchReturned.Observe(float64(returned))
	}
}

func RecordEvidenceFailure() {
	getMetrics().evidenceFailure.Inc()
}

func RecordGateTransition(action, result string) {
	getMetrics().gateTransitionTotal.WithLabelValues(action, result).Inc()
}

func SetGatePending(count int) {
	getMetrics().gatePending.Set(float64(count))
}

func SetIntegrityHalted(halted bool) {
	value := 0.0
	if halted {
		value = 1.0
	}
	getMetrics().integrityHalted.Set(value)
}

func RecordRateLimited(operation string) {
	getMetrics().rateLimited.WithLabelValues(operation).Inc()
}
