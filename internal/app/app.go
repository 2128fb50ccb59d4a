// Package app wires all Taleweaver subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the dictionary,
// normalisers, prompts, gateway, orchestrator and artifact writers; Serve
// runs the HTTP front end; Reload applies a changed config in place; and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithEmbedSender, WithCodec, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/taleweaver/internal/artifact"
	"github.com/MrWong99/taleweaver/internal/chunk"
	"github.com/MrWong99/taleweaver/internal/config"
	"github.com/MrWong99/taleweaver/internal/entity"
	"github.com/MrWong99/taleweaver/internal/gateway"
	"github.com/MrWong99/taleweaver/internal/health"
	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/pipeline"
	"github.com/MrWong99/taleweaver/internal/prompt"
	"github.com/MrWong99/taleweaver/internal/resilience"
	"github.com/MrWong99/taleweaver/internal/server"
	"github.com/MrWong99/taleweaver/internal/transcript"
	"github.com/MrWong99/taleweaver/internal/transcript/fuzzy"
	"github.com/MrWong99/taleweaver/pkg/archive"
	"github.com/MrWong99/taleweaver/pkg/archive/postgres"
	"github.com/MrWong99/taleweaver/pkg/provider/llm"
	"github.com/MrWong99/taleweaver/pkg/tokenizer"
)

var _ server.Processor = (*App)(nil)

// App owns all subsystem lifetimes and runs transcripts through the recap
// pipeline.
type App struct {
	cfg      atomic.Pointer[config.Config]
	registry *config.Registry
	level    *slog.LevelVar
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	gateway    gateway.Gateway
	orch       atomic.Pointer[pipeline.Orchestrator]
	files      *artifact.FileWriter
	recaps     archive.Store
	discord    artifact.EmbedSender
	writer     pipeline.Writer
	codec      tokenizer.Codec
	runs       chan struct{}
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects a recap archive instead of connecting to
// archive.postgres_dsn.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.recaps = s }
}

// WithEmbedSender injects the Discord sender instead of opening a session
// from discord.token. discord.channel_id must still be set.
func WithEmbedSender(s artifact.EmbedSender) Option {
	return func(a *App) { a.discord = s }
}

// WithGateway injects a completion gateway instead of building one from the
// provider registry.
func WithGateway(g gateway.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithCodec injects the tokenizer codec instead of loading the BPE encoding
// of pipeline.tokenizer_model.
func WithCodec(c tokenizer.Codec) Option {
	return func(a *App) { a.codec = c }
}

// WithMetrics sets the instruments shared by the gateway, orchestrator and
// HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Provider factories
// come from reg (populated by main.go). Use Option functions to inject test
// doubles for any subsystem.
//
// New performs all initialisation synchronously: output directory, archive
// connection and migration, Discord session, gateway, dictionary, prompts
// and orchestrator.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{registry: reg}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	n := cfg.Server.MaxConcurrentRuns
	if n < 1 {
		n = config.DefaultMaxConcurrentRuns
	}
	a.runs = make(chan struct{}, n)

	// ── 1. Artifact writers ──────────────────────────────────────────────
	if err := a.initWriters(ctx, cfg); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init writers: %w", err)
	}

	// ── 2. Completion gateway ────────────────────────────────────────────
	if a.gateway == nil {
		if reg == nil {
			a.closeAll()
			return nil, errors.New("app: provider registry is required without WithGateway")
		}
		a.gateway = gateway.New(a.providerFactory(cfg), gateway.WithMetrics(a.metrics))
	}

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	orch, err := a.buildOrchestrator(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build pipeline: %w", err)
	}
	a.orch.Store(orch)

	slog.Info("app initialised",
		"stages", len(orch.Stages()),
		"archive", a.recaps != nil,
		"discord", cfg.Discord.ChannelID != "",
		"max_concurrent_runs", n,
	)
	return a, nil
}

// initWriters builds the optional archive and Discord publisher followed by
// the file writer. Files go last so local output only appears once every
// other sink has accepted the run.
func (a *App) initWriters(ctx context.Context, cfg *config.Config) error {
	files, err := artifact.NewFileWriter(cfg.Server.OutputDir)
	if err != nil {
		return err
	}
	a.files = files
	var writers artifact.Multi

	if a.recaps == nil && cfg.Archive.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		a.recaps = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}
	if a.recaps != nil {
		writers = append(writers, artifact.NewArchiveWriter(a.recaps))
	}

	if a.discord == nil && cfg.Discord.Token != "" {
		sender, err := artifact.NewSessionSender(cfg.Discord.Token)
		if err != nil {
			return err
		}
		a.discord = sender
	}
	if a.discord != nil && cfg.Discord.ChannelID != "" {
		writers = append(writers, artifact.NewDiscordPublisher(a.discord, cfg.Discord.ChannelID))
	}

	a.writer = append(writers, files)
	return nil
}

// providerFactory resolves a model id to the configured primary provider,
// wrapped with the configured fallbacks.
func (a *App) providerFactory(cfg *config.Config) gateway.Factory {
	backend := func(entry config.ProviderEntry) gateway.Backend {
		return gateway.Backend{
			Name: entry.Name,
			New: func(model string) (llm.Provider, error) {
				e := entry
				if e.Model == "" {
					e.Model = model
				}
				return a.registry.CreateLLM(e)
			},
		}
	}

	primary := cfg.Providers.LLM
	primary.Model = ""
	fallbacks := make([]gateway.Backend, 0, len(cfg.Providers.Fallbacks))
	for _, fb := range cfg.Providers.Fallbacks {
		fallbacks = append(fallbacks, backend(fb))
	}
	return gateway.Chain(backend(primary), fallbacks, resilience.FallbackConfig{})
}

// buildOrchestrator loads everything that depends on the reloadable config
// sections: dictionary, normalisers, tokenizer, prompts and models.
func (a *App) buildOrchestrator(cfg *config.Config) (*pipeline.Orchestrator, error) {
	dict, err := entity.Load(cfg.Entities.Path, cfg.Entities.ProtectedWords...)
	if err != nil {
		return nil, err
	}

	p := cfg.Pipeline
	policy := transcript.NamePolicy{Threshold: p.NameThreshold, Scorer: fuzzy.WeightedRatio}
	if p.NameScorer == config.ScorerPhonetic {
		policy.Scorer = fuzzy.NewPhonetic()
	}
	normalizer := transcript.NewPipeline(
		transcript.NewNameNormalizer(dict, policy),
		transcript.NewLocationNormalizer(dict, p.LocationThreshold),
	)

	codec := a.codec
	if codec == nil {
		tk, err := tokenizer.ForModel(p.TokenizerModel)
		if err != nil {
			return nil, err
		}
		codec = tk
	}
	chunker, err := chunk.New(codec, p.MaxChunkTokens)
	if err != nil {
		return nil, err
	}

	prompts, err := prompt.Default()
	if p.PromptsDir != "" {
		prompts, err = prompt.Load(p.PromptsDir)
	}
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Config{
		Normalizer: normalizer,
		Dictionary: dict,
		Chunker:    chunker,
		Prompts:    prompts,
		Gateway:    a.gateway,
	},
		pipeline.WithModels(cfg.Models),
		pipeline.WithConcurrency(p.Concurrency),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithWriter(a.writer),
	)
}

// ─── Processing ──────────────────────────────────────────────────────────────

// Process runs text through the current orchestrator and persists the result.
// At most server.max_concurrent_runs calls run at once; the rest wait for a
// slot or for ctx to end.
func (a *App) Process(ctx context.Context, text, source string) (*pipeline.Result, pipeline.Artifacts, error) {
	select {
	case a.runs <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("app: wait for run slot: %w", ctx.Err())
	}
	defer func() { <-a.runs }()

	return a.orch.Load().Process(ctx, text, source)
}

// Orchestrator returns the orchestrator currently serving runs.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch.Load() }

// Config returns the config currently applied.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies next. It matches [config.ChangeFunc] so it can be handed to
// a [config.Watcher]. Runs in flight keep the orchestrator they started
// with. A failed rebuild is logged and the previous orchestrator stays.
func (a *App) Reload(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.Reload() {
		orch, err := a.buildOrchestrator(next)
		if err != nil {
			slog.Error("config reload failed, keeping previous pipeline", "err", err)
			return
		}
		a.orch.Store(orch)
		slog.Info("pipeline rebuilt",
			"models_changed", d.ModelsChanged,
			"pipeline_changed", d.PipelineChanged,
			"entities_changed", d.EntitiesChanged,
		)
	}
	a.cfg.Store(next)
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Serve ───────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving uploads, recaps, health and
// metrics.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{{Name: "output_dir", Check: a.files.Check}}
	if a.recaps != nil {
		checkers = append(checkers, health.Ping("archive", a.recaps))
	}
	opts := []server.Option{
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(a.metrics),
		server.WithMaxUploadBytes(a.cfg.Load().Server.MaxUploadBytes),
	}
	if a.recaps != nil {
		opts = append(opts, server.WithArchive(a.recaps))
	}
	return server.New(a, opts...).Handler()
}

// Serve listens on server.listen_addr and blocks until ctx is cancelled or
// the listener fails. When ctx ends, Serve returns context.Canceled (or the
// underlying cause); call Shutdown afterwards to drain requests.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.cfg.Load().Server
	a.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS != nil {
			err = a.httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", cfg.ListenAddr, "tls", cfg.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and tears down all subsystems in init order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
