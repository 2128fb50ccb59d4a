package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/taleweaver/internal/chunk"
	"github.com/MrWong99/taleweaver/internal/entity"
	"github.com/MrWong99/taleweaver/internal/gateway"
	"github.com/MrWong99/taleweaver/internal/parse"
	"github.com/MrWong99/taleweaver/internal/pipeline"
	"github.com/MrWong99/taleweaver/internal/prompt"
	"github.com/MrWong99/taleweaver/internal/transcript"
	"github.com/MrWong99/taleweaver/pkg/provider/llm"
)

const (
	canonReply = "```json\n" + `{"characters":[{"name":"Graak","aliases":["J"],"description":"A half-orc fighter."}],` +
		`"locations":[{"name":"Crypt","aliases":[],"description":"An old tomb."}],"items":[],"creatures":[]}` + "\n```"
	timelineReply = `{"timeline":["Graak suggests the Crypt.","Bahl agrees."],"simultaneous_events":{}}`
)

// runeCodec encodes one token per rune.
type runeCodec struct{}

func (runeCodec) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeCodec) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

// fakeGateway answers by stage and records every call.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []gateway.Call
	jitter   bool
	hold     time.Duration
	fail     map[string]error
	canon    string
	inFlight int
	peak     int
}

func (f *fakeGateway) Complete(ctx context.Context, call gateway.Call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.fail[call.Stage]
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.jitter {
		select {
		case <-time.After(time.Duration(rand.IntN(3)) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	switch call.Stage {
	case pipeline.StageExtractCanon:
		if f.canon != "" {
			return f.canon, nil
		}
		return canonReply, nil
	case pipeline.StageExtractTimeline:
		return timelineReply, nil
	case pipeline.StageGMFinal:
		return "Jason led the party. Nicky kept watch.", nil
	default:
		return call.Stage + "(" + call.Prompt + ")", nil
	}
}

func (f *fakeGateway) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeGateway) byStage(stage string) []gateway.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Call
	for _, c := range f.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	gw *fakeGateway
	o  *pipeline.Orchestrator
}

// bareTemplates reduces every template to its inputs so replies can be
// traced back to the text they were derived from.
var bareTemplates = map[string]string{
	prompt.Analytical:         "{{.chunk}}",
	prompt.NarrativeDigest:    "{{.chunk}}",
	prompt.ActionExtract:      "{{.chunk_digest}}",
	prompt.GMSynthesis:        "{{.analytical_summaries}}",
	prompt.NarrativeSynthesis: "{{.timeline}}|{{.narrative_digests}}|{{.action_logs}}",
	prompt.GMFinal:            "{{.gm_synthesis}}",
	prompt.PlayerStory:        "{{.narrative_synthesis}}",
	prompt.QA:                 "{{.gm_final}}|{{.player_final}}",
}

func newFixture(t *testing.T, maxTokens int, bare bool, opts ...pipeline.Option) *fixture {
	t.Helper()

	dict, err := entity.New([]entity.Character{
		{Name: "Graak", Aliases: []string{"J", "Jay", "Jason"}, Pronouns: "he/him"},
		{Name: "Bahl", Aliases: []string{"Nicky", "Nick"}},
	}, []string{"Al'kesh"})
	if err != nil {
		t.Fatalf("entity.New: %v", err)
	}
	norm := transcript.NewPipeline(
		transcript.NewNameNormalizer(dict, transcript.DefaultNamePolicy()),
		transcript.NewLocationNormalizer(dict, transcript.DefaultLocationThreshold),
	)
	chunker, err := chunk.New(runeCodec{}, maxTokens)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}

	dir := ""
	if bare {
		dir = t.TempDir()
		for name, src := range bareTemplates {
			if err := os.WriteFile(filepath.Join(dir, name+".tmpl"), []byte(src), 0o600); err != nil {
				t.Fatalf("write template: %v", err)
			}
		}
	}
	prompts, err := prompt.Load(dir)
	if err != nil {
		t.Fatalf("prompt.Load: %v", err)
	}

	gw := &fakeGateway{}
	opts = append([]pipeline.Option{pipeline.WithMetrics(noopMetrics(t))}, opts...)
	o, err := pipeline.New(pipeline.Config{
		Normalizer: norm,
		Dictionary: dict,
		Chunker:    chunker,
		Prompts:    prompts,
		Gateway:    gw,
	}, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return &fixture{gw: gw, o: o}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.New(pipeline.Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestOrchestrator_Stages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, chunk.DefaultMaxTokens, false)
	want := []string{
		pipeline.StageNormalize,
		pipeline.StageExtractCanon,
		pipeline.StageExtractTimeline,
		pipeline.StageChunk,
		pipeline.StageChunkAnalytical,
		pipeline.StageChunkNarrative,
		pipeline.StageChunkActions,
		pipeline.StageGMSynthesis,
		pipeline.StageNarrativeSynthesis,
		pipeline.StageGMFinal,
		pipeline.StageReapplyNames,
		pipeline.StagePlayerFinal,
		pipeline.StageQACheck,
	}
	got := f.o.Stages()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Stages = %v, want %v", got, want)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, chunk.DefaultMaxTokens, false, pipeline.WithConcurrency(1))
	res, err := f.o.Run(context.Background(),
		"J: we should head to the Crypt. Nicky: agreed, meet at the Crypt entrance.", "session1.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", res.ChunkCount)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.SourceName() != "session1.txt" {
		t.Errorf("Source = %q, want session1.txt", res.SourceName())
	}

	analytical := f.gw.byStage(pipeline.StageChunkAnalytical)
	if len(analytical) != 1 {
		t.Fatalf("analytical calls = %d, want 1", len(analytical))
	}
	const normalized = "Graak we should head to the Crypt Bahl agreed meet at the Crypt entrance"
	if !strings.Contains(analytical[0].Prompt, normalized) {
		t.Errorf("analytical prompt does not contain the normalised transcript %q", normalized)
	}
	for _, stage := range []string{pipeline.StageExtractCanon, pipeline.StageExtractTimeline} {
		calls := f.gw.byStage(stage)
		if len(calls) != 1 || !strings.Contains(calls[0].Prompt, normalized) {
			t.Errorf("%s did not receive the normalised transcript", stage)
		}
	}
	if strings.Contains(analytical[0].Prompt, "Nicky") {
		t.Error("alias leaked into a model prompt")
	}
	for variant, canonical := range res.LocationMap {
		if strings.Contains(variant, "Crypt") && canonical != "Crypt" {
			t.Errorf("LocationMap[%q] = %q, want Crypt", variant, canonical)
		}
	}

	if ents := res.Entities(); len(ents.Characters) != 1 || ents.Characters[0].Name != "Graak" {
		t.Errorf("Entities().Characters = %+v, want Graak", ents.Characters)
	}
	if len(res.Timeline) != 2 {
		t.Errorf("Timeline = %v, want 2 entries", res.Timeline)
	}
	if res.SimultaneousEvents == nil {
		t.Error("SimultaneousEvents is nil, want empty map")
	}
	if len(res.NameCorrections) != 2 {
		t.Errorf("NameCorrections = %+v, want 2", res.NameCorrections)
	}
	if want := "Graak led the party. Bahl kept watch."; res.GMFinalSummary != want {
		t.Errorf("GMFinalSummary = %q, want %q", res.GMFinalSummary, want)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("FinishedAt is before StartedAt")
	}
}

func TestRun_StageSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, chunk.DefaultMaxTokens, false, pipeline.WithModels(pipeline.Models{Synthesis: "big-model"}))
	if _, err := f.o.Run(context.Background(), "Jason walks into the Sunken Hall.", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	defaults := pipeline.DefaultModels()
	tests := []struct {
		stage  string
		model  string
		temp   float64
		schema bool
	}{
		{pipeline.StageExtractCanon, defaults.Analytical, 0.0, true},
		{pipeline.StageExtractTimeline, defaults.Analytical, 0.0, true},
		{pipeline.StageChunkAnalytical, defaults.Analytical, 0.2, false},
		{pipeline.StageChunkNarrative, defaults.Narrative, 0.5, false},
		{pipeline.StageChunkActions, defaults.Narrative, 0.3, false},
		{pipeline.StageGMSynthesis, "big-model", 0.2, false},
		{pipeline.StageNarrativeSynthesis, "big-model", 0.3, false},
		{pipeline.StageGMFinal, defaults.GMFinal, 0.2, false},
		{pipeline.StagePlayerFinal, defaults.PlayerFinal, 0.8, false},
		{pipeline.StageQACheck, defaults.QA, 0.0, false},
	}
	for _, tc := range tests {
		calls := f.gw.byStage(tc.stage)
		if len(calls) != 1 {
			t.Errorf("%s: %d calls, want 1", tc.stage, len(calls))
			continue
		}
		c := calls[0]
		if c.Model != tc.model {
			t.Errorf("%s: model = %q, want %q", tc.stage, c.Model, tc.model)
		}
		if c.Temperature != tc.temp {
			t.Errorf("%s: temperature = %v, want %v", tc.stage, c.Temperature, tc.temp)
		}
		if got := c.Format != nil && c.Format.Kind == llm.FormatJSONSchema; got != tc.schema {
			t.Errorf("%s: json schema format = %v, want %v", tc.stage, got, tc.schema)
		}
	}

	canon := f.gw.byStage(pipeline.StageExtractCanon)[0]
	if !strings.Contains(canon.Prompt, `"pronouns":{"Graak":"he/him"}`) {
		t.Error("canon prompt is missing the character hints")
	}
	if !strings.Contains(canon.Prompt, `"characters"`) {
		t.Error("canon prompt is missing the schema")
	}
	timeline := f.gw.byStage(pipeline.StageExtractTimeline)[0]
	if !strings.Contains(timeline.Prompt, `"name":"Graak"`) {
		t.Error("timeline prompt is missing the canon JSON")
	}
}

func TestRun_ChunkOutputsStayAligned(t *testing.T) {
	t.Parallel()

	// Eight distinct ten-rune words, one per chunk.
	var words []string
	for i := range 8 {
		words = append(words, strings.Repeat(string(rune('a'+i)), 10))
	}
	text := strings.Join(words, "")

	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency %d", concurrency), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 10, true, pipeline.WithConcurrency(concurrency))
			f.gw.jitter = true

			res, err := f.o.Run(context.Background(), text, "")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ChunkCount != len(words) {
				t.Fatalf("ChunkCount = %d, want %d", res.ChunkCount, len(words))
			}
			if len(res.ChunkAnalyticalSummaries) != res.ChunkCount ||
				len(res.ChunkNarrativeDigests) != res.ChunkCount ||
				len(res.ChunkActionLogs) != res.ChunkCount {
				t.Fatalf("per-chunk outputs have lengths %d/%d/%d, want %d",
					len(res.ChunkAnalyticalSummaries), len(res.ChunkNarrativeDigests),
					len(res.ChunkActionLogs), res.ChunkCount)
			}
			for i, w := range words {
				wantA := pipeline.StageChunkAnalytical + "(" + w + ")"
				wantD := pipeline.StageChunkNarrative + "(" + w + ")"
				wantX := pipeline.StageChunkActions + "(" + wantD + ")"
				if res.ChunkAnalyticalSummaries[i] != wantA {
					t.Errorf("analytical[%d] = %q, want %q", i, res.ChunkAnalyticalSummaries[i], wantA)
				}
				if res.ChunkNarrativeDigests[i] != wantD {
					t.Errorf("digest[%d] = %q, want %q", i, res.ChunkNarrativeDigests[i], wantD)
				}
				if res.ChunkActionLogs[i] != wantX {
					t.Errorf("actions[%d] = %q, want %q", i, res.ChunkActionLogs[i], wantX)
				}
			}

			synth := f.gw.byStage(pipeline.StageGMSynthesis)[0]
			if want := strings.Join(res.ChunkAnalyticalSummaries, "\n\n"); synth.Prompt != want {
				t.Errorf("gm synthesis input = %q, want %q", synth.Prompt, want)
			}
			narrative := f.gw.byStage(pipeline.StageNarrativeSynthesis)[0]
			wantN := "Graak suggests the Crypt.\nBahl agrees.|" +
				strings.Join(res.ChunkNarrativeDigests, "\n\n") + "|" +
				strings.Join(res.ChunkActionLogs, "\n\n")
			if narrative.Prompt != wantN {
				t.Errorf("narrative synthesis input = %q, want %q", narrative.Prompt, wantN)
			}
		})
	}
}

func TestRun_EmptyTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, true)
	res, err := f.o.Run(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ChunkCount != 0 || len(res.ChunkAnalyticalSummaries) != 0 {
		t.Errorf("ChunkCount = %d, want 0", res.ChunkCount)
	}
	if res.Source != nil {
		t.Errorf("Source = %q, want nil", *res.Source)
	}
}

func TestRun_StageFailureAborts(t *testing.T) {
	t.Parallel()

	unavailable := fmt.Errorf("%w: rate limited", gateway.ErrCompletionUnavailable)
	tests := []struct {
		name      string
		stage     string
		err       error
		wantStage string
		wantIs    error
	}{
		{"per-chunk failure", pipeline.StageChunkNarrative, unavailable, pipeline.StageChunkNarrative, gateway.ErrCompletionUnavailable},
		{"synthesis failure", pipeline.StageGMSynthesis, unavailable, pipeline.StageGMSynthesis, gateway.ErrCompletionUnavailable},
		{"qa failure", pipeline.StageQACheck, unavailable, pipeline.StageQACheck, gateway.ErrCompletionUnavailable},
	}
	for _, tc := range tests {
		for _, concurrency := range []int{1, 4} {
			t.Run(fmt.Sprintf("%s concurrency %d", tc.name, concurrency), func(t *testing.T) {
				t.Parallel()
				f := newFixture(t, 10, true, pipeline.WithConcurrency(concurrency))
				f.gw.fail = map[string]error{tc.stage: tc.err}

				res, err := f.o.Run(context.Background(), strings.Repeat("x", 35), "")
				if res != nil {
					t.Error("Result built for a failed run")
				}
				var se *pipeline.StageError
				if !errors.As(err, &se) || se.Stage != tc.wantStage {
					t.Fatalf("error = %v, want StageError for %s", err, tc.wantStage)
				}
				if !errors.Is(err, tc.wantIs) {
					t.Errorf("error does not wrap %v", tc.wantIs)
				}
			})
		}
	}
}

func TestRun_CanonKeepsModelShape(t *testing.T) {
	t.Parallel()

	f := newFixture(t, chunk.DefaultMaxTokens, false)
	f.gw.canon = "```json\n" + `{"characters":["Graak","Bahl"],"factions":[{"name":"Ash Cult"}]}` + "\n```"

	res, err := f.o.Run(context.Background(), "Jason and Nicky meet the Ash Cult.", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	canon, ok := res.Canon.(map[string]any)
	if !ok {
		t.Fatalf("Canon = %T, want the decoded object", res.Canon)
	}
	if _, ok := canon["factions"]; !ok {
		t.Errorf("Canon = %v, want the factions category kept", canon)
	}
	ents := res.Entities()
	if len(ents.Characters) != 2 || ents.Characters[0].Name != "Graak" || ents.Characters[1].Name != "Bahl" {
		t.Errorf("Entities().Characters = %+v, want Graak and Bahl", ents.Characters)
	}

	timeline := f.gw.byStage(pipeline.StageExtractTimeline)[0]
	if !strings.Contains(timeline.Prompt, `"factions":[{"name":"Ash Cult"}]`) {
		t.Error("timeline prompt is missing the extra canon category")
	}
	narrative := f.gw.byStage(pipeline.StageNarrativeSynthesis)[0]
	if !strings.Contains(narrative.Prompt, `"characters":["Graak","Bahl"]`) {
		t.Error("narrative synthesis prompt is missing the canon as returned")
	}
}

func TestRun_ConcurrencyBoundsAllCalls(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("abcdefghij", 8)
	for _, limit := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 10, true, pipeline.WithConcurrency(limit))
			f.gw.hold = 5 * time.Millisecond

			if _, err := f.o.Run(context.Background(), text, ""); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if peak := f.gw.peakInFlight(); peak > limit {
				t.Errorf("peak in-flight completions = %d, want at most %d", peak, limit)
			}
		})
	}
}

// malformedGateway returns prose where JSON is expected.
type malformedGateway struct{ fakeGateway }

func (m *malformedGateway) Complete(ctx context.Context, call gateway.Call) (string, error) {
	if call.Stage == pipeline.StageExtractCanon {
		return "Sure! Here are the entities you asked for.", nil
	}
	return m.fakeGateway.Complete(ctx, call)
}

func TestRun_MalformedCanonAborts(t *testing.T) {
	t.Parallel()

	dict, err := entity.New([]entity.Character{{Name: "Graak", Aliases: []string{"J"}}}, nil)
	if err != nil {
		t.Fatalf("entity.New: %v", err)
	}
	chunker, err := chunk.New(runeCodec{}, 100)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	prompts, err := prompt.Default()
	if err != nil {
		t.Fatalf("prompt.Default: %v", err)
	}
	o, err := pipeline.New(pipeline.Config{
		Normalizer: transcript.NewPipeline(
			transcript.NewNameNormalizer(dict, transcript.DefaultNamePolicy()),
			transcript.NewLocationNormalizer(dict, transcript.DefaultLocationThreshold),
		),
		Dictionary: dict,
		Chunker:    chunker,
		Prompts:    prompts,
		Gateway:    &malformedGateway{},
	}, pipeline.WithMetrics(noopMetrics(t)))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	_, err = o.Run(context.Background(), "J enters.", "")
	if !errors.Is(err, parse.ErrMalformedOutput) {
		t.Fatalf("error = %v, want ErrMalformedOutput", err)
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != pipeline.StageExtractCanon {
		t.Errorf("error = %v, want StageError for extract_canon", err)
	}
}

// memWriter stores results in memory.
type memWriter struct {
	mu      sync.Mutex
	results []*pipeline.Result
	err     error
}

func (w *memWriter) Persist(_ context.Context, res *pipeline.Result, source string) (pipeline.Artifacts, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.results = append(w.results, res)
	return pipeline.Artifacts{"memory": source}, nil
}

func TestProcess(t *testing.T) {
	t.Parallel()

	t.Run("persists once", func(t *testing.T) {
		t.Parallel()
		w := &memWriter{}
		f := newFixture(t, 10, true, pipeline.WithWriter(w))
		res, arts, err := f.o.Process(context.Background(), "Nick rests.", "night.vtt")
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(w.results) != 1 || w.results[0] != res {
			t.Fatalf("writer got %d results, want the one returned", len(w.results))
		}
		if arts["memory"] != "night.vtt" {
			t.Errorf("artifacts = %v", arts)
		}
	})

	t.Run("failed run persists nothing", func(t *testing.T) {
		t.Parallel()
		w := &memWriter{}
		f := newFixture(t, 10, true, pipeline.WithWriter(w))
		f.gw.fail = map[string]error{pipeline.StagePlayerFinal: gateway.ErrCompletionUnavailable}
		if _, _, err := f.o.Process(context.Background(), "Nick rests.", ""); err == nil {
			t.Fatal("expected error")
		}
		if len(w.results) != 0 {
			t.Errorf("writer got %d results, want 0", len(w.results))
		}
	})

	t.Run("writer error", func(t *testing.T) {
		t.Parallel()
		w := &memWriter{err: errors.New("disk full")}
		f := newFixture(t, 10, true, pipeline.WithWriter(w))
		if _, _, err := f.o.Process(context.Background(), "Nick rests.", ""); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no writer", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10, true)
		if _, _, err := f.o.Process(context.Background(), "Nick rests.", ""); !errors.Is(err, pipeline.ErrNoWriter) {
			t.Fatalf("error = %v, want ErrNoWriter", err)
		}
	})
}
