package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginsStarted is a counter for authorization flows issued.
	LoginsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendarauth_logins_total",
			Help: "The total number of authorization flows started.",
		},
	)

	// LoginsRateLimited is a counter for login requests refused by the rate limiter.
	LoginsRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendarauth_logins_rate_limited_total",
			Help: "The total number of login requests rejected by the rate limiter.",
		},
	)

	// Callbacks is a counter for provider callbacks by outcome.
	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendarauth_callbacks_total",
			Help: "The total number of provider callbacks processed.",
		},
		[]string{"outcome"},
	)

	// TokenExchangeDuration is a histogram of token endpoint round trips.
	TokenExchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calendarauth_token_exchange_duration_seconds",
			Help:    "A histogram of the token exchange duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// PendingAuthorizations is a gauge of verifiers waiting for a callback.
	PendingAuthorizations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendarauth_pending_authorizations",
			Help: "The number of authorization flows waiting for a callback.",
		},
	)

	// PendingExpired is a counter for pending authorizations removed by the sweeper.
	PendingExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendarauth_pending_expired_total",
			Help: "The total number of pending authorizations that expired.",
		},
	)

	// Appointments is a counter for calendar event creations by outcome.
	Appointments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendarauth_appointments_total",
			Help: "The total number of appointment requests processed.",
		},
		[]string{"outcome"},
	)

	// AuditDropped is a counter for audit events lost to a full queue or a
	// failing store.
	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendarauth_audit_dropped_total",
			Help: "The total number of audit events that could not be written.",
		},
	)
)
