// Package gateway sends stage prompts to language models.
//
// A [Call] names the pipeline stage, the model id, the prompt, the sampling
// temperature and an optional structured response format. [LLMGateway]
// resolves one [llm.Provider] per model id through a [Factory], caches it for
// the lifetime of the process, and records a span, latency, request and token
// metrics for every call. Any backend failure is reported as
// [ErrCompletionUnavailable].
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/resilience"
	"github.com/MrWong99/taleweaver/pkg/provider/llm"
)

// ErrCompletionUnavailable wraps every failure to obtain a completion.
var ErrCompletionUnavailable = errors.New("gateway: completion unavailable")

// Call is one prompt sent on behalf of a pipeline stage.
type Call struct {
	// Stage names the pipeline stage, used for telemetry only.
	Stage string

	// Model is the model id the prompt is sent to.
	Model string

	// Prompt is sent as a single user message.
	Prompt string

	// Temperature is always sent, including 0.
	Temperature float64

	// Format requests structured output. Nil means free text.
	Format *llm.ResponseFormat
}

// Gateway turns a [Call] into the model's text response.
type Gateway interface {
	Complete(ctx context.Context, call Call) (string, error)
}

// Factory builds the provider for a model id.
type Factory func(model string) (llm.Provider, error)

// LLMGateway is the [Gateway] backed by [llm.Provider] values. It is safe for
// concurrent use.
type LLMGateway struct {
	factory   Factory
	metrics   *observe.Metrics
	maxTokens int

	mu        sync.Mutex
	providers map[string]llm.Provider
}

var _ Gateway = (*LLMGateway)(nil)

// Option configures an [LLMGateway].
type Option func(*LLMGateway)

// WithMetrics records instruments on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *LLMGateway) { g.metrics = m }
}

// WithMaxTokens caps the completion length of every call. Zero leaves the
// provider default.
func WithMaxTokens(n int) Option {
	return func(g *LLMGateway) { g.maxTokens = n }
}

// New returns a gateway that builds providers with factory.
func New(factory Factory, opts ...Option) *LLMGateway {
	g := &LLMGateway{factory: factory, providers: make(map[string]llm.Provider)}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Provider returns the cached provider for model, building it on first use.
func (g *LLMGateway) Provider(model string) (llm.Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: empty model id", ErrCompletionUnavailable)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[model]; ok {
		return p, nil
	}
	p, err := g.factory(model)
	if err != nil {
		return nil, fmt.Errorf("%w: build provider for %q: %w", ErrCompletionUnavailable, model, err)
	}
	g.providers[model] = p
	return p, nil
}

// Complete implements [Gateway].
func (g *LLMGateway) Complete(ctx context.Context, call Call) (string, error) {
	ctx, span := observe.StartSpan(ctx, "llm "+call.Stage)
	defer span.End()
	span.SetAttributes(
		attribute.String("taleweaver.stage", call.Stage),
		attribute.String("gen_ai.request.model", call.Model),
		attribute.Float64("gen_ai.request.temperature", call.Temperature),
	)

	start := time.Now()
	out, usage, err := g.complete(ctx, call)
	elapsed := time.Since(start)

	g.metrics.RecordCompletion(ctx, call.Model, call.Stage, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	g.metrics.RecordTokens(ctx, call.Model, usage.PromptTokens, usage.CompletionTokens)
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", usage.CompletionTokens),
	)
	observe.Logger(ctx).Debug("completion finished",
		"stage", call.Stage,
		"model", call.Model,
		"duration", elapsed,
		"completion_tokens", usage.CompletionTokens,
	)
	return out, nil
}

func (g *LLMGateway) complete(ctx context.Context, call Call) (string, llm.Usage, error) {
	p, err := g.Provider(call.Model)
	if err != nil {
		return "", llm.Usage{}, err
	}

	req := llm.CompletionRequest{
		Messages:       []llm.Message{{Role: "user", Content: call.Prompt}},
		Temperature:    llm.Temperature(call.Temperature),
		MaxTokens:      g.maxTokens,
		ResponseFormat: formatFor(p, call.Format),
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", llm.Usage{}, fmt.Errorf("gateway: %s: %w", call.Stage, ctx.Err())
		}
		return "", llm.Usage{}, fmt.Errorf("%w: %s via %s: %w", ErrCompletionUnavailable, call.Stage, call.Model, err)
	}
	if resp == nil {
		return "", llm.Usage{}, fmt.Errorf("%w: %s via %s: empty response", ErrCompletionUnavailable, call.Stage, call.Model)
	}
	return resp.Content, resp.Usage, nil
}

// formatFor downgrades a JSON-schema request to plain JSON mode for models
// that cannot enforce a schema.
func formatFor(p llm.Provider, f *llm.ResponseFormat) *llm.ResponseFormat {
	if f == nil || f.Kind != llm.FormatJSONSchema || p.Capabilities().SupportsJSONSchema {
		return f
	}
	return &llm.ResponseFormat{Kind: llm.FormatJSONObject}
}

// Backend is one named way to build a provider.
type Backend struct {
	Name string
	New  Factory
}

// Chain returns a [Factory] that builds primary for a model and, when
// fallbacks are given, wraps it in a [resilience.LLMFallback] with the
// fallbacks in order. Fallbacks that cannot be built are logged and skipped;
// a primary that cannot be built is an error.
func Chain(primary Backend, fallbacks []Backend, cfg resilience.FallbackConfig) Factory {
	return func(model string) (llm.Provider, error) {
		p, err := primary.New(model)
		if err != nil {
			return nil, fmt.Errorf("gateway: %s: %w", primary.Name, err)
		}
		if len(fallbacks) == 0 {
			return p, nil
		}
		fb := resilience.NewLLMFallback(primary.Name, p, cfg)
		for _, b := range fallbacks {
			bp, err := b.New(model)
			if err != nil {
				slog.Warn("fallback backend unavailable", "backend", b.Name, "model", model, "err", err)
				continue
			}
			fb.AddFallback(b.Name, bp)
		}
		return fb, nil
	}
}
