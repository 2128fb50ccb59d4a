package fuzzy

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFallbackThreshold = 0.85
)

// PhoneticOption is a functional option for configuring a [Phonetic] scorer.
type PhoneticOption func(*Phonetic)

// WithPhoneticThreshold sets the minimum Jaro-Winkler similarity (0–1) a
// phonetically overlapping pair needs to score at all. Default: 0.70.
func WithPhoneticThreshold(threshold float64) PhoneticOption {
	return func(p *Phonetic) {
		p.phoneticThreshold = threshold
	}
}

// WithFallbackThreshold sets the minimum Jaro-Winkler similarity (0–1) for
// pairs without any Double Metaphone overlap. Default: 0.85.
func WithFallbackThreshold(threshold float64) PhoneticOption {
	return func(p *Phonetic) {
		p.fallbackThreshold = threshold
	}
}

// Phonetic scores names by pronunciation. Two strings whose Double Metaphone
// codes overlap score their case-insensitive Jaro-Winkler similarity; pairs
// without overlap score only if their similarity clears the stricter fallback
// threshold. Scores below the applicable threshold are 0.
//
// Phonetic is read-only after construction and safe for concurrent use.
type Phonetic struct {
	phoneticThreshold float64
	fallbackThreshold float64
}

var _ Scorer = (*Phonetic)(nil)

// NewPhonetic returns a [Phonetic] scorer configured with opts.
func NewPhonetic(opts ...PhoneticOption) *Phonetic {
	p := &Phonetic{
		phoneticThreshold: defaultPhoneticThreshold,
		fallbackThreshold: defaultFallbackThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Score implements [Scorer] on the 0–100 scale.
func (p *Phonetic) Score(a, b string) float64 {
	aLower := strings.ToLower(strings.TrimSpace(a))
	bLower := strings.ToLower(strings.TrimSpace(b))
	if aLower == "" || bLower == "" {
		return 0
	}
	aTokens := strings.Fields(aLower)
	bTokens := strings.Fields(bLower)

	jw := bestJWScore(aTokens, bTokens, aLower, bLower)
	threshold := p.fallbackThreshold
	if codesOverlap(codesForTokens(aTokens), codesForTokens(bTokens)) {
		threshold = p.phoneticThreshold
	}
	if jw < threshold {
		return 0
	}
	return jw * 100
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, alternate := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if alternate != "" {
			codes[alternate] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity among the full strings,
// the space-stripped strings, and every token pair.
func bestJWScore(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
