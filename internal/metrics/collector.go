// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records runtime metrics: chat call outcomes, retries, token
// admission, and breaker states.
type Collector struct {
	chatRequestsTotal  *prometheus.CounterVec
	chatDuration       *prometheus.HistogramVec
	retryAttemptsTotal *prometheus.CounterVec
	tokensEstimated    *prometheus.CounterVec
	admissionWait      *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg. A nil reg uses the
// default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.chatRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat calls by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	c.chatDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "End-to-end chat call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	c.retryAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of HTTP attempts beyond the first",
		},
		[]string{"provider", "model"},
	)

	c.tokensEstimated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_estimated_total",
			Help:      "Total estimated input tokens admitted by the rate limiter",
		},
		[]string{"provider"},
	)

	c.admissionWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for rate-limiter and gate admission",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 60},
		},
		[]string{"provider"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per endpoint",
		},
		[]string{"endpoint", "to"},
	)

	return c
}

// RecordChat records one finished chat call.
func (c *Collector) RecordChat(provider, model, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.chatRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	c.chatDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry(provider, model string) {
	if c == nil {
		return
	}
	c.retryAttemptsTotal.WithLabelValues(provider, model).Inc()
}

// RecordAdmission records the tokens charged and the wait endured at
// admission.
func (c *Collector) RecordAdmission(provider string, tokens int, wait time.Duration) {
	if c == nil {
		return
	}
	c.tokensEstimated.WithLabelValues(provider).Add(float64(tokens))
	c.admissionWait.WithLabelValues(provider).Observe(wait.Seconds())
}

// RecordBreakerState records a breaker transition.
func (c *Collector) RecordBreakerState(endpoint string, state int, stateName string) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(endpoint).Set(float64(state))
	c.breakerTransitions.WithLabelValues(endpoint, stateName).Inc()
}
