package campusauth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors for the auth service. Each service
// instance carries its own registry so embedding applications can mount the
// /metrics endpoint without collector name collisions.
type metrics struct {
	registry *prometheus.Registry

	loginAttempts   *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	accountLockouts prometheus.Counter
	twoFAChecks     *prometheus.CounterVec
	sessionsEvicted prometheus.Counter
	activeSessions  prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.loginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	m.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "registrations_total",
		Help:      "Registrations by role.",
	}, []string{"role"})

	m.tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "token_refreshes_total",
		Help:      "Refresh attempts by outcome.",
	}, []string{"outcome"})

	m.accountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "account_lockouts_total",
		Help:      "Accounts blocked after exceeding the failed-login threshold.",
	})

	m.twoFAChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "two_factor_checks_total",
		Help:      "TOTP verifications by outcome.",
	}, []string{"outcome"})

	m.sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campusauth",
		Name:      "sessions_evicted_total",
		Help:      "Oldest sessions evicted when the per-user session limit was reached.",
	})

	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "campusauth",
		Name:      "active_sessions",
		Help:      "Sessions created minus sessions revoked since start.",
	})

	m.registry.MustRegister(
		m.loginAttempts,
		m.registrations,
		m.tokenRefreshes,
		m.accountLockouts,
		m.twoFAChecks,
		m.sessionsEvicted,
		m.activeSessions,
	)
	return m
}

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeBlocked  = "blocked"
	outcomeMismatch = "device_mismatch"
)
