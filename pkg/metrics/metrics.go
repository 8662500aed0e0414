// Package metrics exposes the Prometheus counters and histograms that
// observe the dispatch funnel: jobs created, offers extended/accepted/
// expired, time-to-assign, and ledger settlement counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_created_total",
		Help: "Jobs created, by job_type.",
	}, []string{"job_type"})

	OffersExtended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_extended_total",
		Help: "Offers written to a candidate, by job_type.",
	}, []string{"job_type"})

	OffersAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_accepted_total",
		Help: "Offers accepted, by job_type.",
	}, []string{"job_type"})

	OffersExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_expired_total",
		Help: "Offers that timed out without a response, by job_type.",
	}, []string{"job_type"})

	NoCaptainOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_no_captain_total",
		Help: "Jobs that exhausted the candidate queue, by outcome (retried|given_up).",
	}, []string{"job_type", "outcome"})

	TimeToAssignSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_time_to_assign_seconds",
		Help:    "Seconds between job creation and ASSIGNED, by job_type.",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600},
	}, []string{"job_type"})

	SettlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_settlements_total",
		Help: "Completed ledger settlements, by job_type.",
	}, []string{"job_type"})

	CancellationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_cancellations_total",
		Help: "Cancellations, by job_type and actor_role.",
	}, []string{"job_type", "actor_role"})

	SurgeMultiplier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_surge_multiplier",
		Help: "Last computed surge multiplier, by job_type.",
	}, []string{"job_type"})
)

// Collectors bundles every collector this package defines so main can
// register them on a single prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		JobsCreated, OffersExtended, OffersAccepted, OffersExpired,
		NoCaptainOutcomes, TimeToAssignSeconds, SettlementsTotal,
		CancellationsTotal, SurgeMultiplier,
	}
}

// MustRegister registers every collector on reg, panicking on a
// duplicate-registration error (a startup-time programming defect).
func MustRegister(reg prometheus.Registerer) {
	for _, c := range Collectors() {
		reg.MustRegister(c)
	}
}
