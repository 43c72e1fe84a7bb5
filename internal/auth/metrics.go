// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome constants for login metrics.
const (
	LoginOutcomeSuccess            = "success"
	LoginOutcomeInvalidCredentials = "invalid_credentials"
	LoginOutcomeUnverified         = "unverified"
	LoginOutcomeError              = "error"
)

// Outcome constants for refresh metrics.
const (
	RefreshOutcomeStatic        = "static"
	RefreshOutcomeRotated       = "rotated"
	RefreshOutcomeInvalid       = "invalid"
	RefreshOutcomeReuseDetected = "reuse_detected"
	RefreshOutcomeError         = "error"
)

// Reason constants for revocation metrics.
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonUser          = "user"
	RevokeReasonReuse         = "reuse_detected"
	RevokeReasonPasswordReset = "password_reset"
)

// Registrations is the counter for completed registrations.
// Use RegisterMetrics to register this with a Prometheus registry.
var Registrations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "keyfold_registrations_total",
		Help: "Total number of completed registrations",
	},
)

// Logins is the counter for login attempts by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Logins = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_logins_total",
		Help: "Total number of login attempts by outcome",
	},
	[]string{"outcome"},
)

// Refreshes is the counter for token refresh attempts by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Refreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_token_refreshes_total",
		Help: "Total number of token refresh attempts by outcome",
	},
	[]string{"outcome"},
)

// CodesIssued is the counter for one-time codes issued by purpose.
// Use RegisterMetrics to register this with a Prometheus registry.
var CodesIssued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_codes_issued_total",
		Help: "Total number of one-time codes issued by purpose",
	},
	[]string{"purpose"},
)

// SessionsRevoked is the counter for revoked sessions by reason.
// Use RegisterMetrics to register this with a Prometheus registry.
var SessionsRevoked = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_sessions_revoked_total",
		Help: "Total number of sessions revoked by reason",
	},
	[]string{"reason"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus
// registry. This must be called at startup to make metrics available on
// /metrics. Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Registrations)
	reg.MustRegister(Logins)
	reg.MustRegister(Refreshes)
	reg.MustRegister(CodesIssued)
	reg.MustRegister(SessionsRevoked)
}

// RecordLogin increments the login counter with the given outcome.
func RecordLogin(outcome string) {
	Logins.WithLabelValues(outcome).Inc()
}

// RecordRefresh increments the refresh counter with the given outcome.
func RecordRefresh(outcome string) {
	Refreshes.WithLabelValues(outcome).Inc()
}

// RecordSessionsRevoked adds to the revocation counter for the given reason.
func RecordSessionsRevoked(reason string, count int64) {
	if count <= 0 {
		return
	}
	SessionsRevoked.WithLabelValues(reason).Add(float64(count))
}
