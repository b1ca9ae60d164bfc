package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the playground.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	PollAttempts        *prometheus.CounterVec
	TokenExchanges      *prometheus.CounterVec
	LogBatchesShipped   prometheus.Counter
	LogBatchesFailed    prometheus.Counter
	LogBatchesSkipped   prometheus.Counter
	CircuitBreakerState prometheus.Gauge
	StateTransitions    *prometheus.CounterVec
	JWTValidations      *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthplayground_poll_attempts_total",
			Help: "Token endpoint polls by grant and outcome",
		}, []string{"grant", "outcome"}),
		TokenExchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthplayground_token_requests_total",
			Help: "Token endpoint requests by grant type and result",
		}, []string{"grant_type", "result"}),
		LogBatchesShipped: f.NewCounter(prometheus.CounterOpts{
			Name: "oauthplayground_log_batches_shipped_total",
			Help: "Log batches accepted by the backend",
		}),
		LogBatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "oauthplayground_log_batches_failed_total",
			Help: "Log batch shipments that failed",
		}),
		LogBatchesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "oauthplayground_log_batches_skipped_total",
			Help: "Flushes skipped because the circuit breaker was open",
		}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "oauthplayground_log_circuit_breaker_state",
			Help: "Log shipping circuit breaker state (0=closed, 1=open)",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthplayground_mfa_transitions_total",
			Help: "MFA state machine transitions by event and result",
		}, []string{"event", "result"}),
		JWTValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthplayground_jwt_validations_total",
			Help: "JWT validations by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncPoll(grant, outcome string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(grant, outcome).Inc()
}

func (m *Metrics) IncTokenRequest(grantType string, ok bool) {
	if m == nil {
		return
	}
	m.TokenExchanges.WithLabelValues(grantType, result(ok)).Inc()
}

func (m *Metrics) IncBatchShipped() {
	if m == nil {
		return
	}
	m.LogBatchesShipped.Inc()
}

func (m *Metrics) IncBatchFailed() {
	if m == nil {
		return
	}
	m.LogBatchesFailed.Inc()
}

func (m *Metrics) IncBatchSkipped() {
	if m == nil {
		return
	}
	m.LogBatchesSkipped.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}

func (m *Metrics) IncTransition(event string, ok bool) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(event, result(ok)).Inc()
}

func (m *Metrics) IncValidation(ok bool) {
	if m == nil {
		return
	}
	m.JWTValidations.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
