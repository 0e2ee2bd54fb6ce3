package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	Requests           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec
	FallbackDepth      prometheus.Histogram
	Tokens             *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BackendAttempts    *prometheus.CounterVec
	Dropped            prometheus.Counter

	mu    sync.RWMutex
	known map[string]bool
}

// Label values used in place of a request's model string.
const (
	invalidModelLabel = "invalid"
	otherModelLabel   = "other"
)

// TrackModels fixes the set of model ids allowed as label values and
// initialises each model's breaker gauge to closed. Any other model,
// such as a passthrough id, is counted under "other".
func (m *Metrics) TrackModels(ids []string) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
		m.BreakerState.WithLabelValues(id).Set(0)
	}
	m.mu.Lock()
	m.known = known
	m.mu.Unlock()
}

// modelLabel bounds label cardinality: request model strings are caller
// input.
func (m *Metrics) modelLabel(model string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.known == nil || m.known[model] {
		return model
	}
	return otherModelLabel
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_requests_total",
				Help: "Total number of chat requests by requested model and outcome",
			},
			[]string{"model", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_request_duration_seconds",
				Help:    "Chat request duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
			},
			[]string{"model"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		FallbackDepth: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modelgate_fallback_depth",
				Help:    "Index of the candidate that served the request",
				Buckets: []float64{0, 1, 2, 3, 4, 5},
			},
		),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_total",
				Help: "Tokens consumed by serving model and type",
			},
			[]string{"model", "type"},
		),
		BreakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"model", "from", "to"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelgate_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"model"},
		),
		BackendAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_backend_attempts_total",
				Help: "Candidate attempts by model and result",
			},
			[]string{"model", "result"},
		),
		Dropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "modelgate_telemetry_dropped_total",
				Help: "Telemetry events dropped because the queue was full",
			},
		),
	}
}

// PrometheusSink updates Metrics from events.
type PrometheusSink struct {
	m *Metrics
}

// NewPrometheusSink creates a sink backed by m.
func NewPrometheusSink(m *Metrics) *PrometheusSink {
	return &PrometheusSink{m: m}
}

func outcomeLabel(o models.InvocationOutcome) string {
	switch {
	case o.CacheHit:
		return "cache_hit"
	case o.ErrorKind == models.KindNone:
		return "success"
	default:
		return string(o.ErrorKind)
	}
}

// Outcome records request, cache, token and attempt metrics.
func (s *PrometheusSink) Outcome(_ context.Context, o models.InvocationOutcome) error {
	if o.ErrorKind == models.KindInvalidRequest {
		s.m.Requests.WithLabelValues(invalidModelLabel, outcomeLabel(o)).Inc()
		s.m.RequestDuration.WithLabelValues(invalidModelLabel).Observe(o.Latency.Seconds())
		return nil
	}

	requested := s.m.modelLabel(o.RequestedModel)
	s.m.Requests.WithLabelValues(requested, outcomeLabel(o)).Inc()
	s.m.RequestDuration.WithLabelValues(requested).Observe(o.Latency.Seconds())

	if o.CacheHit {
		s.m.CacheLookups.WithLabelValues("hit").Inc()
		return nil
	}
	s.m.CacheLookups.WithLabelValues("miss").Inc()

	for _, a := range o.Attempts {
		result := string(a.Kind)
		if a.Kind == models.KindNone {
			result = "success"
		}
		s.m.BackendAttempts.WithLabelValues(s.m.modelLabel(a.Model), result).Inc()
	}

	if o.ErrorKind != models.KindNone {
		return nil
	}
	s.m.FallbackDepth.Observe(float64(o.FallbackDepth))
	used := s.m.modelLabel(o.ModelUsed)
	s.m.Tokens.WithLabelValues(used, "prompt").Add(float64(o.Usage.PromptTokens))
	s.m.Tokens.WithLabelValues(used, "completion").Add(float64(o.Usage.CompletionTokens))
	return nil
}

// Transition records a breaker state change.
func (s *PrometheusSink) Transition(_ context.Context, t Transition) error {
	s.m.BreakerTransitions.WithLabelValues(t.Model, t.From.String(), t.To.String()).Inc()
	s.m.BreakerState.WithLabelValues(t.Model).Set(float64(t.To))
	return nil
}
