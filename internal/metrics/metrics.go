package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the OAuth pipeline collectors. All components share one
// instance so a single /metrics scrape covers the whole pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	FlowStarted        prometheus.Counter
	FlowCompleted      prometheus.Counter
	FlowDuration       prometheus.Histogram
	StateCreated       prometheus.Counter
	StateValidated     prometheus.Counter
	StateRejected      *prometheus.CounterVec
	InjectionDetected  prometheus.Counter
	ReuseDetected      prometheus.Counter
	TokenRevoked       prometheus.Counter
	RefreshDuration    prometheus.Histogram
	RefreshFailures    *prometheus.CounterVec
	PassDuration       prometheus.Histogram
	TokensExpiringSoon prometheus.Gauge
	ActivePkceStates   prometheus.Gauge
	StatesCleaned      prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FlowStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_flow_started_total",
			Help: "Authorization flows started.",
		}),
		FlowCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_flow_completed_total",
			Help: "Authorization flows completed through the callback.",
		}),
		FlowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oauth_flow_duration_seconds",
			Help:    "Time from state creation to callback completion.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		StateCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_pkce_state_created_total",
			Help: "PKCE states persisted.",
		}),
		StateValidated: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_pkce_state_validated_total",
			Help: "PKCE states consumed by a successful validation.",
		}),
		StateRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_pkce_state_rejected_total",
			Help: "PKCE validation failures by reason.",
		}, []string{"reason"}),
		InjectionDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_code_injection_detected_total",
			Help: "Callback attempts presenting another user's state.",
		}),
		ReuseDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_refresh_token_reuse_total",
			Help: "Consumed refresh tokens presented again.",
		}),
		TokenRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_token_revoked_total",
			Help: "Token records deleted, forcing re-authorization.",
		}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oauth_refresh_duration_seconds",
			Help:    "Duration of a single token refresh.",
			Buckets: prometheus.DefBuckets,
		}),
		RefreshFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_refresh_failures_total",
			Help: "Refresh failures by reason.",
		}, []string{"reason"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oauth_refresh_pass_duration_seconds",
			Help:    "Duration of one scheduler refresh pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TokensExpiringSoon: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oauth_tokens_expiring_soon",
			Help: "Token records picked up by the last scheduler pass.",
		}),
		ActivePkceStates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oauth_pkce_states_active",
			Help: "In-flight PKCE states.",
		}),
		StatesCleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "oauth_pkce_states_cleaned_total",
			Help: "Expired PKCE states garbage-collected.",
		}),
	}
}

// Refresh failure reasons.
const (
	ReasonEndpointError = "endpoint_error"
	ReasonException     = "exception"
)
