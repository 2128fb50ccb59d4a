package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/taleweaver/pkg/provider/llm"
	llmmock "github.com/MrWong99/taleweaver/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	t.Run("primary answers", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "recap"}}
		secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "other"}}

		fb := NewLLMFallback("openai", primary, FallbackConfig{})
		fb.AddFallback("anthropic", secondary)

		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "recap" {
			t.Errorf("Content = %q, want recap", resp.Content)
		}
		if len(secondary.Calls()) != 0 {
			t.Error("secondary should not be called")
		}
		if got := fb.Backends(); !slices.Equal(got, []string{"openai", "anthropic"}) {
			t.Errorf("Backends = %v", got)
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
		secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fallback recap"}}

		fb := NewLLMFallback("openai", primary, FallbackConfig{})
		fb.AddFallback("anthropic", secondary)

		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "fallback recap" {
			t.Errorf("Content = %q", resp.Content)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		fb := NewLLMFallback("openai", &llmmock.Provider{CompleteErr: errors.New("down")}, FallbackConfig{})
		fb.AddFallback("anthropic", &llmmock.Provider{CompleteErr: errors.New("down too")})

		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
			t.Errorf("err = %v, want ErrAllFailed", err)
		}
	})
}

func TestLLMFallback_CountTokens(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback("openai", &llmmock.Provider{CountTokensErr: errors.New("no codec")}, FallbackConfig{})
	fb.AddFallback("anthropic", &llmmock.Provider{TokenCount: 42})

	n, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "count me"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 42 {
		t.Errorf("CountTokens = %d, want 42", n)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1_047_576, SupportsJSONSchema: true}}
	fb := NewLLMFallback("openai", primary, FallbackConfig{})
	fb.AddFallback("ollama", &llmmock.Provider{})

	caps := fb.Capabilities()
	if caps.ContextWindow != 1_047_576 || !caps.SupportsJSONSchema {
		t.Errorf("Capabilities = %+v, want the primary's", caps)
	}
}
