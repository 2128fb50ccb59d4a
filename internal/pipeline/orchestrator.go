// Package pipeline turns a raw session transcript into a GM recap and a
// player story.
//
// The work is a fixed graph of named stages. Normalisation runs first and
// every later stage reads the same normalised text. Canon and timeline
// extraction read the whole transcript; analytical summaries, narrative
// digests and action logs fan out over token-bounded chunks and fan back in
// for the two synthesis stages, the two final documents and a QA pass.
//
// A run is all-or-nothing: the first stage error cancels the run and is
// returned as a *[StageError]. A [Result] exists only when every stage
// succeeded.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/taleweaver/internal/chunk"
	"github.com/MrWong99/taleweaver/internal/entity"
	"github.com/MrWong99/taleweaver/internal/gateway"
	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/parse"
	"github.com/MrWong99/taleweaver/internal/prompt"
	"github.com/MrWong99/taleweaver/internal/transcript"
	"github.com/MrWong99/taleweaver/pkg/provider/llm"
)

// DefaultConcurrency bounds the completions one run has in flight.
const DefaultConcurrency = 4

// ErrNoWriter is returned by [Orchestrator.Process] when no [Writer] was
// configured.
var ErrNoWriter = errors.New("pipeline: no artifact writer configured")

// Writer persists a finished result.
type Writer interface {
	Persist(ctx context.Context, res *Result, source string) (Artifacts, error)
}

// Config holds the collaborators every run needs.
type Config struct {
	Normalizer *transcript.Pipeline
	Dictionary *entity.Dictionary
	Chunker    *chunk.Chunker
	Prompts    *prompt.Set
	Gateway    gateway.Gateway
}

// Orchestrator runs the stage graph. It holds no per-run state and is safe
// for concurrent use.
type Orchestrator struct {
	cfg         Config
	models      Models
	concurrency int
	metrics     *observe.Metrics
	writer      Writer
	now         func() time.Time

	graph    *Graph[*run]
	hints    string
	canon    structuredFormat
	timeline structuredFormat
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithModels sets the model ids. Empty fields keep their defaults.
func WithModels(m Models) Option {
	return func(o *Orchestrator) { o.models = m }
}

// WithConcurrency bounds the completion calls a run has in flight across all
// stages. 1 runs every stage and every chunk strictly in sequence.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithMetrics records instruments on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithWriter sets the writer used by [Orchestrator.Process].
func WithWriter(w Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// New validates cfg and builds the stage graph.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if cfg.Normalizer == nil {
		errs = append(errs, errors.New("pipeline: normalizer is required"))
	}
	if cfg.Dictionary == nil {
		errs = append(errs, errors.New("pipeline: dictionary is required"))
	}
	if cfg.Chunker == nil {
		errs = append(errs, errors.New("pipeline: chunker is required"))
	}
	if cfg.Prompts == nil {
		errs = append(errs, errors.New("pipeline: prompts are required"))
	}
	if cfg.Gateway == nil {
		errs = append(errs, errors.New("pipeline: gateway is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	o := &Orchestrator{
		cfg:         cfg,
		models:      DefaultModels(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.models = o.models.withDefaults()
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	var err error
	if o.hints, err = compactJSON(cfg.Dictionary.Hints()); err != nil {
		return nil, fmt.Errorf("pipeline: encode character hints: %w", err)
	}
	if o.canon, err = reflectFormat[CanonRecord]("canon",
		"Characters, locations, items and creatures of a tabletop session"); err != nil {
		return nil, err
	}
	if o.timeline, err = reflectFormat[TimelineRecord]("timeline",
		"Ordered in-world events of a tabletop session"); err != nil {
		return nil, err
	}
	if o.graph, err = o.buildGraph(); err != nil {
		return nil, err
	}
	return o, nil
}

// Stages returns the stage names in sequential execution order.
func (o *Orchestrator) Stages() []string { return o.graph.Names() }

// run is the state shared by the stages of one run. Each field is written by
// exactly one stage and read only by stages that depend on it.
type run struct {
	raw string

	// calls is shared by every completion of the run.
	calls *semaphore.Weighted

	norm      transcript.Normalized
	canon     any
	canonJSON string
	timeline  TimelineRecord

	chunks     []string
	analytical []string
	digests    []string
	actions    []string

	gmSynthesis        string
	narrativeSynthesis string
	gmFinalRaw         string
	gmFinal            string
	playerFinal        string
	qa                 string
}

func (o *Orchestrator) buildGraph() (*Graph[*run], error) {
	return NewGraph(
		Stage[*run]{Name: StageNormalize, Run: o.normalize},
		Stage[*run]{Name: StageExtractCanon, After: []string{StageNormalize}, Run: o.extractCanon},
		Stage[*run]{Name: StageExtractTimeline, After: []string{StageExtractCanon}, Run: o.extractTimeline},
		Stage[*run]{Name: StageChunk, After: []string{StageNormalize}, Run: o.chunk},
		Stage[*run]{Name: StageChunkAnalytical, After: []string{StageChunk}, Run: o.chunkAnalytical},
		Stage[*run]{Name: StageChunkNarrative, After: []string{StageChunk}, Run: o.chunkNarrative},
		Stage[*run]{Name: StageChunkActions, After: []string{StageChunkNarrative}, Run: o.chunkActions},
		Stage[*run]{Name: StageGMSynthesis, After: []string{StageChunkAnalytical}, Run: o.gmSynthesis},
		Stage[*run]{
			Name:  StageNarrativeSynthesis,
			After: []string{StageExtractTimeline, StageExtractCanon, StageChunkNarrative, StageChunkActions},
			Run:   o.narrativeSynthesis,
		},
		Stage[*run]{Name: StageGMFinal, After: []string{StageGMSynthesis}, Run: o.gmFinal},
		Stage[*run]{Name: StageReapplyNames, After: []string{StageGMFinal}, Run: o.reapplyNames},
		Stage[*run]{Name: StagePlayerFinal, After: []string{StageNarrativeSynthesis}, Run: o.playerFinal},
		Stage[*run]{
			Name:  StageQACheck,
			After: []string{StageReapplyNames, StagePlayerFinal, StageChunkAnalytical, StageChunkNarrative},
			Run:   o.qaCheck,
		},
	)
}

// Run executes every stage on text and returns the result. source is the
// original file name, or "" when there is none.
func (o *Orchestrator) Run(ctx context.Context, text, source string) (res *Result, err error) {
	runID := ksuid.New().String()
	ctx = observe.WithRunID(ctx, runID)
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("taleweaver.run_id", runID),
		attribute.String("taleweaver.source", source),
	)

	finish := o.metrics.RunStarted(ctx)
	defer func() { finish(err) }()

	log := observe.Logger(ctx)
	log.Info("run started", "source", source, "bytes", len(text), "concurrency", o.concurrency)

	started := o.now()
	r := &run{raw: text, calls: semaphore.NewWeighted(int64(o.concurrency))}
	if err := o.graph.Execute(ctx, r, o.concurrency, o.metrics); err != nil {
		log.Error("run failed", "err", err)
		return nil, err
	}
	o.metrics.RecordChunks(ctx, len(r.chunks))

	res = &Result{
		RunID:                    runID,
		ChunkCount:               len(r.chunks),
		Canon:                    r.canon,
		Timeline:                 r.timeline.Timeline,
		SimultaneousEvents:       r.timeline.SimultaneousEvents,
		ChunkAnalyticalSummaries: r.analytical,
		ChunkNarrativeDigests:    r.digests,
		ChunkActionLogs:          r.actions,
		GMSynthesis:              r.gmSynthesis,
		PlayerSynthesis:          r.narrativeSynthesis,
		GMFinalSummary:           r.gmFinal,
		PlayerFinalStory:         r.playerFinal,
		QAReport:                 r.qa,
		LocationMap:              r.norm.LocationMap,
		NameCorrections:          r.norm.Corrections,
		StartedAt:                started,
		FinishedAt:               o.now(),
	}
	if source != "" {
		res.Source = &source
	}
	if res.LocationMap == nil {
		res.LocationMap = map[string]string{}
	}
	if res.NameCorrections == nil {
		res.NameCorrections = []transcript.Correction{}
	}
	log.Info("run finished", "chunks", res.ChunkCount, "duration", res.FinishedAt.Sub(started))
	return res, nil
}

// Process runs the pipeline and persists the result exactly once. Nothing is
// persisted when the run fails.
func (o *Orchestrator) Process(ctx context.Context, text, source string) (*Result, Artifacts, error) {
	if o.writer == nil {
		return nil, nil, ErrNoWriter
	}
	res, err := o.Run(ctx, text, source)
	if err != nil {
		return nil, nil, err
	}
	ctx = observe.WithRunID(ctx, res.RunID)
	arts, err := o.writer.Persist(ctx, res, source)
	if err != nil {
		return res, nil, fmt.Errorf("pipeline: persist: %w", err)
	}
	return res, arts, nil
}

// ── Stages ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) normalize(ctx context.Context, r *run) error {
	r.norm = o.cfg.Normalizer.Normalize(ctx, r.raw)
	return nil
}

func (o *Orchestrator) extractCanon(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StageExtractCanon, prompt.Canon, prompt.Vars{
		"raw_transcript":  r.norm.Text,
		"character_hints": o.hints,
		"schema":          o.canon.text,
	}, o.models.Analytical, TempCanon, o.canon.format)
	if err != nil {
		return err
	}
	// Any well-formed JSON is accepted and forwarded whole; CanonRecord is
	// only a view over it.
	v, err := parse.Parse(out)
	if err != nil {
		return err
	}
	r.canon = v
	if r.canonJSON, err = compactJSON(v); err != nil {
		return fmt.Errorf("encode canon: %w", err)
	}
	return nil
}

func (o *Orchestrator) extractTimeline(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StageExtractTimeline, prompt.Timeline, prompt.Vars{
		"raw_transcript": r.norm.Text,
		"canon":          r.canonJSON,
		"schema":         o.timeline.text,
	}, o.models.Analytical, TempTimeline, o.timeline.format)
	if err != nil {
		return err
	}
	rec, err := parse.Decode[TimelineRecord](out)
	if err != nil {
		return err
	}
	if rec.Timeline == nil {
		rec.Timeline = []string{}
	}
	if rec.SimultaneousEvents == nil {
		rec.SimultaneousEvents = map[string][]string{}
	}
	r.timeline = rec
	return nil
}

func (o *Orchestrator) chunk(_ context.Context, r *run) error {
	r.chunks = chunk.Texts(o.cfg.Chunker.Split(r.norm.Text))
	n := len(r.chunks)
	r.analytical = make([]string, n)
	r.digests = make([]string, n)
	r.actions = make([]string, n)
	return nil
}

func (o *Orchestrator) chunkAnalytical(ctx context.Context, r *run) error {
	return o.eachChunk(ctx, r.chunks, r.analytical, func(ctx context.Context, text string) (string, error) {
		return o.complete(ctx, r, StageChunkAnalytical, prompt.Analytical,
			prompt.Vars{"chunk": text}, o.models.Analytical, TempAnalytical, nil)
	})
}

func (o *Orchestrator) chunkNarrative(ctx context.Context, r *run) error {
	return o.eachChunk(ctx, r.chunks, r.digests, func(ctx context.Context, text string) (string, error) {
		return o.complete(ctx, r, StageChunkNarrative, prompt.NarrativeDigest,
			prompt.Vars{"chunk": text}, o.models.Narrative, TempNarrativeDigest, nil)
	})
}

func (o *Orchestrator) chunkActions(ctx context.Context, r *run) error {
	return o.eachChunk(ctx, r.digests, r.actions, func(ctx context.Context, digest string) (string, error) {
		return o.complete(ctx, r, StageChunkActions, prompt.ActionExtract,
			prompt.Vars{"chunk_digest": digest}, o.models.Narrative, TempActions, nil)
	})
}

func (o *Orchestrator) gmSynthesis(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StageGMSynthesis, prompt.GMSynthesis, prompt.Vars{
		"analytical_summaries": strings.Join(r.analytical, "\n\n"),
	}, o.models.Synthesis, TempGMSynthesis, nil)
	r.gmSynthesis = out
	return err
}

func (o *Orchestrator) narrativeSynthesis(ctx context.Context, r *run) error {
	simultaneous, err := compactJSON(r.timeline.SimultaneousEvents)
	if err != nil {
		return fmt.Errorf("encode simultaneous events: %w", err)
	}
	out, err := o.complete(ctx, r, StageNarrativeSynthesis, prompt.NarrativeSynthesis, prompt.Vars{
		"timeline":            strings.Join(r.timeline.Timeline, "\n"),
		"simultaneous_events": simultaneous,
		"canon_entities":      r.canonJSON,
		"narrative_digests":   strings.Join(r.digests, "\n\n"),
		"action_logs":         strings.Join(r.actions, "\n\n"),
	}, o.models.Synthesis, TempNarrativeSynthesis, nil)
	r.narrativeSynthesis = out
	return err
}

func (o *Orchestrator) gmFinal(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StageGMFinal, prompt.GMFinal, prompt.Vars{
		"gm_synthesis": r.gmSynthesis,
	}, o.models.GMFinal, TempGMFinal, nil)
	r.gmFinalRaw = out
	return err
}

// reapplyNames rewrites aliases the GM final may have reintroduced. Only the
// GM document gets this pass; the player story keeps the model's wording.
func (o *Orchestrator) reapplyNames(_ context.Context, r *run) error {
	r.gmFinal = o.cfg.Normalizer.Names().ReplaceAliases(r.gmFinalRaw)
	return nil
}

func (o *Orchestrator) playerFinal(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StagePlayerFinal, prompt.PlayerStory, prompt.Vars{
		"narrative_synthesis": r.narrativeSynthesis,
	}, o.models.PlayerFinal, TempPlayerStory, nil)
	r.playerFinal = out
	return err
}

func (o *Orchestrator) qaCheck(ctx context.Context, r *run) error {
	out, err := o.complete(ctx, r, StageQACheck, prompt.QA, prompt.Vars{
		"gm_final":             r.gmFinal,
		"player_final":         r.playerFinal,
		"analytical_summaries": strings.Join(r.analytical, "\n\n"),
		"narrative_digests":    strings.Join(r.digests, "\n\n"),
	}, o.models.QA, TempQA, nil)
	r.qa = out
	return err
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// complete renders tmpl and sends it to the gateway once a slot of the run's
// call budget is free.
func (o *Orchestrator) complete(ctx context.Context, r *run, stage, tmpl string, vars prompt.Vars, model string, temp float64, format *llm.ResponseFormat) (string, error) {
	text, err := o.cfg.Prompts.Render(tmpl, vars)
	if err != nil {
		return "", err
	}
	if err := r.calls.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.calls.Release(1)
	return o.cfg.Gateway.Complete(ctx, gateway.Call{
		Stage:       stage,
		Model:       model,
		Prompt:      text,
		Temperature: temp,
		Format:      format,
	})
}

// eachChunk applies fn to every input and stores the output at the same
// index of out. The run's call budget in complete bounds the calls actually
// in flight.
func (o *Orchestrator) eachChunk(ctx context.Context, in, out []string, fn func(context.Context, string) (string, error)) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.concurrency)
	for i, text := range in {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			s, err := fn(egCtx, text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			out[i] = s
			return nil
		})
	}
	return eg.Wait()
}

// compactJSON encodes v on one line without HTML escaping.
func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
