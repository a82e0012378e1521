package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vasapolrittideah/session-manager/shared/session"
)

// Flavor labels which session manager a measurement belongs to.
type Flavor string

const (
	FlavorEphemeral Flavor = "ephemeral"
	FlavorDevice    Flavor = "device"
)

// Metrics holds the Prometheus collectors of the session service.
type Metrics struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	SessionsIssuedTotal        *prometheus.CounterVec
	SessionsRevokedTotal       *prometheus.CounterVec
	TokenRefreshesTotal        *prometheus.CounterVec
	GrantPropagationsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer, serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests.",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "path"},
		),
		SessionsIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_issued_total",
				Help:        "Total number of sessions issued.",
				ConstLabels: labels,
			},
			[]string{"flavor"},
		),
		SessionsRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_revoked_total",
				Help:        "Total number of sessions revoked or logged out.",
				ConstLabels: labels,
			},
			[]string{"flavor"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_token_refreshes_total",
				Help:        "Total number of access tokens re-signed.",
				ConstLabels: labels,
			},
			[]string{"flavor"},
		),
		GrantPropagationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "session_grant_propagations_total",
				Help:        "Sessions visited by grant propagation, by outcome.",
				ConstLabels: labels,
			},
			[]string{"flavor", "outcome"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.SessionsIssuedTotal,
		m.SessionsRevokedTotal,
		m.TokenRefreshesTotal,
		m.GrantPropagationsTotal,
	)

	return m
}

// ObservePropagation records the per-session outcomes of a grant propagation.
func (m *Metrics) ObservePropagation(flavor Flavor, result session.PropagationResult) {
	outcomes := map[string]int{
		"unchanged":          result.Unchanged,
		"marked_for_refresh": result.MarkedForRefresh,
		"revoked":            result.Revoked,
		"reissued":           result.Reissued,
		"pruned":             result.Pruned,
		"failed":             result.Failed,
	}
	for outcome, count := range outcomes {
		if count > 0 {
			m.GrantPropagationsTotal.WithLabelValues(string(flavor), outcome).Add(float64(count))
		}
	}
}

// RefreshCounter returns a callback counting one token refresh of flavor.
func (m *Metrics) RefreshCounter(flavor Flavor) func() {
	counter := m.TokenRefreshesTotal.WithLabelValues(string(flavor))
	return counter.Inc
}
