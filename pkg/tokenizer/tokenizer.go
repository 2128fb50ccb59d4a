// Package tokenizer adapts model-specific BPE codecs for chunk sizing and
// token accounting.
//
// The only production codec is backed by tiktoken-go. Encoding tables are
// fetched and cached by tiktoken-go on first use, so constructing a codec may
// perform network I/O.
package tokenizer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// FallbackEncoding is used when a model name has no registered encoding.
const FallbackEncoding = "cl100k_base"

// Codec converts text to tokens and back. Implementations must be safe for
// concurrent use.
type Codec interface {
	// Encode returns the token ids for text.
	Encode(text string) []int

	// Decode returns the text for a token sequence.
	Decode(tokens []int) string
}

// Count returns the number of tokens c produces for text.
func Count(c Codec, text string) int {
	return len(c.Encode(text))
}

// Tiktoken is a [Codec] backed by a tiktoken BPE encoding.
type Tiktoken struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

var _ Codec = (*Tiktoken)(nil)

// ForModel returns the codec registered for model. Unknown models fall back
// to [FallbackEncoding].
func ForModel(model string) (*Tiktoken, error) {
	name, ok := EncodingName(model)
	if !ok {
		slog.Debug("tokenizer: no encoding for model, using fallback",
			"model", model, "fallback", FallbackEncoding)
	}
	return ForEncoding(name)
}

// EncodingName resolves the encoding tiktoken associates with model. The
// boolean is false when model is unknown and [FallbackEncoding] is returned.
func EncodingName(model string) (string, bool) {
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return name, true
	}
	best := ""
	for prefix := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return tiktoken.MODEL_PREFIX_TO_ENCODING[best], true
	}
	return FallbackEncoding, false
}

// ForEncoding returns the codec for a named encoding such as "cl100k_base".
func ForEncoding(name string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load encoding %q: %w", name, err)
	}
	return &Tiktoken{enc: enc, encoding: name}, nil
}

// Encoding reports the name of the underlying encoding.
func (t *Tiktoken) Encoding() string { return t.encoding }

// Encode implements [Codec]. Special tokens are treated as plain text.
func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode implements [Codec].
func (t *Tiktoken) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
