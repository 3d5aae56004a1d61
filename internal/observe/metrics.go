// Package observe instruments panelist with OpenTelemetry metrics and traces
// and ties them to slog output and HTTP handling.
//
// [InitProvider] exports metrics through a Prometheus registry. Tests build
// their own [Metrics] with [NewMetrics] on a private meter provider.
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

const meterName = "github.com/MrWong99/panelist"

// Metrics is the set of instruments recorded by an interview server.
type Metrics struct {
	// Stage latencies of one turn, in seconds.
	STTDuration      metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	TTSDuration      metric.Float64Histogram

	// AnswerDuration is how long the candidate spoke.
	AnswerDuration metric.Float64Histogram

	TurnTransitions  metric.Int64Counter // from, to
	Notices          metric.Int64Counter // kind
	ProviderRequests metric.Int64Counter // provider, kind, status
	AvatarFallbacks  metric.Int64Counter // persona
	Exports          metric.Int64Counter // exporter, status

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with method and the matched route
	// pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// Provider round-trips, in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// Candidate answers range from a few words to several minutes.
var answerBuckets = []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 300}

// instruments creates instruments on one meter and collects every creation
// error so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.err = errors.Join(in.err, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return g
}

// NewMetrics registers every panelist instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:      in.seconds("panelist.stt.duration", "Latency of answer transcription.", latencyBuckets),
		DispatchDuration: in.seconds("panelist.dispatch.duration", "Latency of agent replies.", latencyBuckets),
		TTSDuration:      in.seconds("panelist.tts.duration", "Latency of fallback speech synthesis.", latencyBuckets),
		AnswerDuration:   in.seconds("panelist.answer.duration", "Length of candidate answers.", answerBuckets),

		TurnTransitions:  in.counter("panelist.turn.transitions", "Turn state transitions by from and to state."),
		Notices:          in.counter("panelist.turn.notices", "Recoverable turn failures by kind."),
		ProviderRequests: in.counter("panelist.provider.requests", "Provider calls by provider, kind and status."),
		AvatarFallbacks:  in.counter("panelist.avatar.fallbacks", "Personas that spoke through the fallback voice."),
		Exports:          in.counter("panelist.transcript.exports", "Transcript exports by exporter and status."),

		ActiveSessions: in.gauge("panelist.active_sessions", "Number of live interview sessions."),

		HTTPRequestDuration: in.seconds("panelist.http.request.duration", "HTTP request latency by method and route.", nil),
	}
	if in.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", in.err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition counts one turn state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordNotice counts one recoverable failure.
func (m *Metrics) RecordNotice(ctx context.Context, kind string) {
	m.Notices.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest counts one provider call with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordLatency records d on h with an optional status attribute.
func (m *Metrics) RecordLatency(ctx context.Context, h metric.Float64Histogram, d time.Duration, status string) {
	if status == "" {
		h.Record(ctx, d.Seconds())
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordAvatarFallback counts one persona that lost or never had a live avatar.
func (m *Metrics) RecordAvatarFallback(ctx context.Context, persona string) {
	m.AvatarFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("persona", persona)))
}

// RecordExport counts one transcript export attempt.
func (m *Metrics) RecordExport(ctx context.Context, exporter, status string) {
	m.Exports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exporter", exporter),
		attribute.String("status", status),
	))
}

// Status maps an error to the "ok"/"error" attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
