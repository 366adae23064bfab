package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the diagnostic counters of the verification core.
type Metrics struct {
	SamplesIngested   *prometheus.CounterVec
	SamplesDropped    *prometheus.CounterVec
	PairsTracked      prometheus.Gauge
	HangoutsClosed    prometheus.Counter
	GeofenceCredits   prometheus.Counter
	SuspiciousEvents  *prometheus.CounterVec
	ChallengeOutcomes *prometheus.CounterVec
	VerifierRetries   *prometheus.CounterVec
	LedgerAppends     *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec
}

// New registers the core metrics on reg. A nil registerer keeps them unregistered,
// which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "samples_ingested_total",
			Help:      "Sensor records accepted, by feed.",
		}, []string{"feed"}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "samples_dropped_total",
			Help:      "Sensor records dropped at validation, by feed and reason.",
		}, []string{"feed", "reason"}),
		PairsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "circles",
			Name:      "proximity_pairs_tracked",
			Help:      "Materialized pair state machines.",
		}),
		HangoutsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "hangout_sessions_closed_total",
			Help:      "Hangout sessions emitted on close.",
		}),
		GeofenceCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "geofence_credits_total",
			Help:      "Dwell passes credited.",
		}),
		SuspiciousEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "suspicious_events_total",
			Help:      "Integrity events logged, by kind and severity.",
		}, []string{"kind", "severity"}),
		ChallengeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "challenge_outcomes_total",
			Help:      "Challenge evaluations, by method and outcome.",
		}, []string{"method", "outcome"}),
		VerifierRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "verifier_retries_total",
			Help:      "Retried external verification calls, by method.",
		}, []string{"method"}),
		LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "ledger_appends_total",
			Help:      "Ledger entries appended, by reason.",
		}, []string{"reason"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circles",
			Name:      "persist_failures_total",
			Help:      "Store writes that failed and were queued for retry, by entity.",
		}, []string{"entity"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SamplesIngested,
			m.SamplesDropped,
			m.PairsTracked,
			m.HangoutsClosed,
			m.GeofenceCredits,
			m.SuspiciousEvents,
			m.ChallengeOutcomes,
			m.VerifierRetries,
			m.LedgerAppends,
			m.PersistFailures,
		)
	}
	return m
}
