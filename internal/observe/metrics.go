// Package observe provides the observability primitives shared by every
// Taleweaver component: OpenTelemetry metrics and traces, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level [DefaultMetrics] instance serves production code; tests
// should build their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every Taleweaver instrument.
const meterName = "github.com/MrWong99/taleweaver"

// Status attribute values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds every instrument. The OTel types are safe for concurrent use.
type Metrics struct {
	// StageDuration is the wall time of one pipeline stage.
	// Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// LLMDuration is the latency of one completion call.
	// Attributes: stage, model.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts completion calls. Attributes: model, stage, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed completion calls. Attributes: model, stage.
	ProviderErrors metric.Int64Counter

	// LLMTokens counts tokens reported by providers.
	// Attributes: model, direction (prompt|completion).
	LLMTokens metric.Int64Counter

	// Runs counts finished pipeline runs. Attributes: status.
	Runs metric.Int64Counter

	// ActiveRuns is the number of pipeline runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// Chunks records the chunk count of each run.
	Chunks metric.Int64Histogram

	// HTTPRequestDuration is the latency of HTTP requests.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) span a quick completion up to a long synthesis.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// chunkBuckets cover a short scene up to a marathon session.
var chunkBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	seconds := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.StageDuration, err = seconds("taleweaver.stage.duration",
		"Wall time of a pipeline stage."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = seconds("taleweaver.llm.duration",
		"Latency of a language-model completion."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = seconds("taleweaver.http.request.duration",
		"HTTP request latency by method and route."); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("taleweaver.provider.requests",
		metric.WithDescription("Completion requests by model, stage and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("taleweaver.provider.errors",
		metric.WithDescription("Failed completion requests by model and stage."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("taleweaver.llm.tokens",
		metric.WithDescription("Tokens reported by providers, by model and direction."),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("taleweaver.runs",
		metric.WithDescription("Finished pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("taleweaver.active_runs",
		metric.WithDescription("Pipeline runs in flight."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Histogram("taleweaver.chunks",
		metric.WithDescription("Number of transcript chunks per run."),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Call [InitProvider] first so the instruments are exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// StatusOf maps an error to [StatusOK] or [StatusError].
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordStage records the duration and outcome of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("stage", stage),
		Attr("status", StatusOf(err)),
	))
}

// RecordCompletion records one completion call: latency, request count, and
// on failure the error count.
func (m *Metrics) RecordCompletion(ctx context.Context, model, stage string, d time.Duration, err error) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("stage", stage),
		Attr("model", model),
	))
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("model", model),
		Attr("stage", stage),
		Attr("status", StatusOf(err)),
	))
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			Attr("model", model),
			Attr("stage", stage),
		))
	}
}

// RecordTokens adds prompt and completion token counts for model.
func (m *Metrics) RecordTokens(ctx context.Context, model string, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(
			Attr("model", model), Attr("direction", "prompt")))
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(
			Attr("model", model), Attr("direction", "completion")))
	}
}

// RunStarted marks a run as in flight. The returned func must be called
// exactly once when the run ends.
func (m *Metrics) RunStarted(ctx context.Context) func(err error) {
	m.ActiveRuns.Add(ctx, 1)
	return func(err error) {
		m.ActiveRuns.Add(ctx, -1)
		m.Runs.Add(ctx, 1, metric.WithAttributes(Attr("status", StatusOf(err))))
	}
}

// RecordChunks records the chunk count of a run.
func (m *Metrics) RecordChunks(ctx context.Context, n int) {
	m.Chunks.Record(ctx, int64(n))
}
