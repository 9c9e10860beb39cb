package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	tasksClaimedTotal     *prometheus.CounterVec
	claimConflictsTotal   prometheus.Counter
	runsReportedTotal     *prometheus.CounterVec
	judgingsFinalized     *prometheus.CounterVec
	internalErrorsTotal   *prometheus.CounterVec
	leasesReclaimedTotal  prometheus.Counter
	eventSubscribers      prometheus.Gauge
	rejudgingsFinishedTot *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the dispatch service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judgedispatch_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judgedispatch_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judgedispatch_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		tasksClaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judgetasks_claimed_total",
			Help: "Judge tasks handed to judgehosts.",
		}, []string{"type"})

		claimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judgetask_claim_conflicts_total",
			Help: "Claims lost to a concurrent judgehost and retried.",
		})

		runsReportedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judging_runs_reported_total",
			Help: "Judging run results reported by judgehosts.",
		}, []string{"result"})

		judgingsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judgings_finalized_total",
			Help: "Judgings that reached a verdict.",
		}, []string{"result"})

		internalErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "internal_errors_total",
			Help: "Internal errors raised by judgehosts.",
		}, []string{"kind"})

		leasesReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judgetask_leases_reclaimed_total",
			Help: "Judging jobs that got claims back after their judgehost went silent.",
		})

		eventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judgedispatch_event_subscribers",
			Help: "Active live event feed connections.",
		})

		rejudgingsFinishedTot = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rejudgings_finished_total",
			Help: "Rejudgings applied or canceled.",
		}, []string{"action"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			tasksClaimedTotal,
			claimConflictsTotal,
			runsReportedTotal,
			judgingsFinalized,
			internalErrorsTotal,
			leasesReclaimedTotal,
			eventSubscribers,
			rejudgingsFinishedTot,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// TasksClaimed counts handed out judge tasks by type.
func TasksClaimed() *prometheus.CounterVec {
	RegisterMetrics()
	return tasksClaimedTotal
}

// ClaimConflicts counts lost claim races.
func ClaimConflicts() prometheus.Counter {
	RegisterMetrics()
	return claimConflictsTotal
}

// RunsReported counts reported run results.
func RunsReported() *prometheus.CounterVec {
	RegisterMetrics()
	return runsReportedTotal
}

// JudgingsFinalized counts judgings that reached a verdict.
func JudgingsFinalized() *prometheus.CounterVec {
	RegisterMetrics()
	return judgingsFinalized
}

// InternalErrors counts internal errors by disabled kind.
func InternalErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return internalErrorsTotal
}

// LeasesReclaimed counts claims handed back by the lease reaper.
func LeasesReclaimed() prometheus.Counter {
	RegisterMetrics()
	return leasesReclaimedTotal
}

// EventSubscribers tracks open live feed connections.
func EventSubscribers() prometheus.Gauge {
	RegisterMetrics()
	return eventSubscribers
}

// RejudgingsFinished counts applied and canceled rejudgings.
func RejudgingsFinished() *prometheus.CounterVec {
	RegisterMetrics()
	return rejudgingsFinishedTot
}
