// Package observe holds the metrics, tracing and request logging shared by
// every consultflow component.
//
// Instruments are created through the OpenTelemetry API; [Setup] installs an
// SDK whose Prometheus reader backs the /metrics endpoint. Tests build their
// own [Metrics] with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the application's instruments. It is safe for concurrent use.
type Metrics struct {
	// RecognitionDuration carries tier and engine attributes.
	RecognitionDuration metric.Float64Histogram

	// LLMDuration carries op and status attributes.
	LLMDuration metric.Float64Histogram

	// Regenerations counts suggestion regenerations by outcome
	// ("ok", "error", "fallback").
	Regenerations metric.Int64Counter

	// Validations counts validation passes by outcome
	// ("ok", "error", "guardrail").
	Validations metric.Int64Counter

	GuardrailTrips metric.Int64Counter

	// QAPairs counts collected question/answer pairs by source.
	QAPairs metric.Int64Counter

	// ProviderErrors carries provider and kind attributes.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions carries breaker and to (target state) attributes.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions is the number of sessions currently recording.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with method, route
	// and status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds. Final-tier recognition of a long utterance
// and suggestion generation both run into tens of seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scope)
	var errs []error
	histogram := func(name, desc string, buckets []float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		RecognitionDuration: histogram("consultflow.recognition.duration", "Latency of speech recognition by cascade tier.", latencyBuckets),
		LLMDuration:         histogram("consultflow.llm.duration", "Latency of language-model calls by operation.", latencyBuckets),
		HTTPRequestDuration: histogram("consultflow.http.request.duration", "HTTP request latency by method and route.", nil),

		Regenerations:  counter("consultflow.regenerations", "Suggestion regenerations by outcome."),
		Validations:    counter("consultflow.validations", "Transcript validation passes by outcome."),
		GuardrailTrips: counter("consultflow.guardrail.trips", "Corrections rejected by the length guardrail."),
		QAPairs:        counter("consultflow.qa.pairs", "Collected question/answer pairs by source."),
		ProviderErrors: counter("consultflow.provider.errors", "Provider errors by provider and kind."),

		BreakerTransitions: counter("consultflow.breaker.transitions", "Circuit breaker state changes by breaker and target state."),
	}
	active, err := meter.Int64UpDownCounter("consultflow.active_sessions",
		metric.WithDescription("Number of recording consultation sessions."))
	errs = append(errs, err)
	m.ActiveSessions = active

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: metrics: %w", err)
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
})

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, created on first use.
func DefaultMetrics() *Metrics { return defaultMetrics() }

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRecognition records one recognizer call.
func (m *Metrics) RecordRecognition(ctx context.Context, tier, engine string, d time.Duration) {
	m.RecognitionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("engine", engine),
		),
	)
}

// RecordLLM records one language-model call.
func (m *Metrics) RecordLLM(ctx context.Context, op, status string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordRegeneration counts a finished regeneration.
func (m *Metrics) RecordRegeneration(ctx context.Context, outcome string) {
	m.Regenerations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordValidation counts a finished validation pass. A "guardrail" outcome
// also increments GuardrailTrips.
func (m *Metrics) RecordValidation(ctx context.Context, outcome string) {
	m.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "guardrail" {
		m.GuardrailTrips.Add(ctx, 1)
	}
}

// RecordQAPair counts a collected pair.
func (m *Metrics) RecordQAPair(ctx context.Context, source string) {
	m.QAPairs.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}
