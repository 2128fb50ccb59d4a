// Package chunk splits normalised transcripts into token-bounded windows so
// each window fits a single per-chunk model call.
package chunk

import (
	"errors"
	"fmt"

	"github.com/MrWong99/taleweaver/pkg/tokenizer"
)

// DefaultMaxTokens is the window size used when none is configured.
const DefaultMaxTokens = 12000

// ErrInvalidMaxTokens is returned by [New] for a non-positive window size.
var ErrInvalidMaxTokens = errors.New("chunk: max tokens must be positive")

// Chunk is one contiguous window of the transcript.
type Chunk struct {
	// Index is the zero-based position of the chunk in the transcript.
	Index int

	// Text is the decoded window.
	Text string

	// Tokens is the number of tokens in the window.
	Tokens int
}

// Chunker splits text into non-overlapping token windows. It is safe for
// concurrent use when its codec is.
type Chunker struct {
	codec     tokenizer.Codec
	maxTokens int
}

// New returns a Chunker that cuts windows of at most maxTokens tokens.
func New(codec tokenizer.Codec, maxTokens int) (*Chunker, error) {
	if codec == nil {
		return nil, errors.New("chunk: codec must not be nil")
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxTokens, maxTokens)
	}
	return &Chunker{codec: codec, maxTokens: maxTokens}, nil
}

// MaxTokens returns the configured window size.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Split encodes text, slices the token stream into consecutive windows of
// maxTokens, and decodes each window. Only the last window may be shorter.
// Empty text yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	tokens := c.codec.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(tokens)+c.maxTokens-1)/c.maxTokens)
	for start := 0; start < len(tokens); start += c.maxTokens {
		end := min(start+c.maxTokens, len(tokens))
		window := tokens[start:end]
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Text:   c.codec.Decode(window),
			Tokens: len(window),
		})
	}
	return chunks
}

// Texts returns the text of every chunk in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}
