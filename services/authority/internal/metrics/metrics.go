// Package metrics holds the authority's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signdesk_submissions_total",
		Help: "Signed submissions received, by outcome.",
	}, []string{"outcome"})

	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signdesk_submission_conflicts_total",
		Help: "Submissions rejected because the session was already terminal.",
	})

	SessionsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signdesk_sessions_completed_total",
		Help: "Sessions that reached completed status.",
	})

	ConsentRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signdesk_consent_recorded_total",
		Help: "First-time consent records.",
	})

	LinksReissuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signdesk_links_reissued_total",
		Help: "Signing links reissued after expiry.",
	})
)
