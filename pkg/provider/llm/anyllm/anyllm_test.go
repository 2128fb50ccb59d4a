package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/taleweaver/pkg/provider/llm"
)

type wordCodec struct{}

func (wordCodec) Encode(text string) []int { return make([]int, len(strings.Fields(text))) }
func (wordCodec) Decode([]int) string      { return "" }

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	m := llm.Message{Role: "user", Content: "Recap the session.", Name: "gm"}
	got := convertMessage(m)
	if got.Role != "user" {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.ContentString() != "Recap the session." {
		t.Errorf("unexpected content %q", got.ContentString())
	}
	if got.Name != "gm" {
		t.Errorf("expected name gm, got %q", got.Name)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_ZeroTemperatureIsSent(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "extract canon"}},
		Temperature: llm.Temperature(0),
		MaxTokens:   512,
	})
	if params.Temperature == nil {
		t.Fatal("temperature 0.0 was dropped")
	}
	if *params.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", *params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v, want 512", params.MaxTokens)
	}
	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", params.Model)
	}
}

func TestBuildParams_JSONInstruction(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.1"}

	plain := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "write a story"}},
	})
	if len(plain.Messages) != 1 {
		t.Fatalf("expected no system message, got %d messages", len(plain.Messages))
	}

	structured := p.buildParams(llm.CompletionRequest{
		SystemPrompt:   "You are an archivist.",
		Messages:       []llm.Message{{Role: "user", Content: "extract canon"}},
		ResponseFormat: &llm.ResponseFormat{Kind: llm.FormatJSONSchema, Name: "canon"},
	})
	if len(structured.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(structured.Messages))
	}
	sys := structured.Messages[0]
	if sys.Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", sys.Role)
	}
	if !strings.HasPrefix(sys.ContentString(), "You are an archivist.") {
		t.Errorf("system prompt lost: %q", sys.ContentString())
	}
	if !strings.Contains(sys.ContentString(), jsonInstruction) {
		t.Errorf("JSON instruction missing: %q", sys.ContentString())
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model       string
		wantContext int
		wantOutput  int
	}{
		{model: "gpt-4.1", wantContext: 1_047_576, wantOutput: 32_768},
		{model: "GPT-4O-MINI", wantContext: 128_000, wantOutput: 16_384},
		{model: "claude-3-opus-latest", wantContext: 200_000, wantOutput: 4_096},
		{model: "claude-sonnet-4-5", wantContext: 200_000, wantOutput: 8_192},
		{model: "gemini-1.5-pro", wantContext: 2_097_152, wantOutput: 8_192},
		{model: "gemini-2.5-flash", wantContext: 1_048_576, wantOutput: 8_192},
		{model: "llama3.1", wantContext: 128_000, wantOutput: 4_096},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			t.Parallel()
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantContext {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tc.wantContext)
			}
			if caps.MaxOutputTokens != tc.wantOutput {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tc.wantOutput)
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4.1"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"New/openai", func() (*Provider, error) { return New("openai", "gpt-4.1", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-sonnet-4-5", codec: wordCodec{}}
	count, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "meet at the crypt"},
		{Role: "assistant", Content: "agreed"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 13 {
		t.Errorf("CountTokens = %d, want 13", count)
	}

	empty, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected 0 tokens for empty messages, got %d", empty)
	}
}
