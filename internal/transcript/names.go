package transcript

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/taleweaver/internal/entity"
	"github.com/MrWong99/taleweaver/internal/transcript/fuzzy"
)

// DefaultNameThreshold is the minimum fuzzy score (0–100) for a token to be
// rewritten to a character name.
const DefaultNameThreshold = 88

// minFuzzyLen is the shortest token, in runes, that is fuzzily matched.
const minFuzzyLen = 3

// tokenPattern matches word runs that may contain inner '#', apostrophes and
// hyphens but begin and end on a word character.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_](?:[\p{L}\p{N}_#'-]*[\p{L}\p{N}_])?`)

// locationHints are words that mark an adjacent token as part of a place
// description rather than a name.
var locationHints = map[string]struct{}{
	"north": {}, "south": {}, "east": {}, "west": {},
	"room": {}, "door": {}, "chamber": {}, "hall": {}, "corridor": {},
	"sand": {}, "desert": {}, "ruins": {}, "vault": {},
	"basin": {}, "altar": {},
}

// NamePolicy decides when a token is close enough to an alias to be replaced.
type NamePolicy struct {
	// Threshold is the minimum score, on the scorer's 0–100 scale.
	Threshold float64

	// Scorer compares a token against one alias.
	Scorer fuzzy.Scorer
}

// DefaultNamePolicy returns the weighted-ratio policy at [DefaultNameThreshold].
func DefaultNamePolicy() NamePolicy {
	return NamePolicy{Threshold: DefaultNameThreshold, Scorer: fuzzy.WeightedRatio}
}

// Accepts reports whether score clears the policy threshold.
func (p NamePolicy) Accepts(score float64) bool {
	return score >= p.Threshold
}

// NameNormalizer rewrites speaker names and character references to the
// canonical names of an [entity.Dictionary]. It is immutable and safe for
// concurrent use.
type NameNormalizer struct {
	dict    *entity.Dictionary
	policy  NamePolicy
	aliases []string
	reapply *wordReplacer
}

// NewNameNormalizer returns a normaliser over dict. A zero policy Scorer is
// replaced with [fuzzy.WeightedRatio].
func NewNameNormalizer(dict *entity.Dictionary, policy NamePolicy) *NameNormalizer {
	if policy.Scorer == nil {
		policy.Scorer = fuzzy.WeightedRatio
	}
	return &NameNormalizer{
		dict:    dict,
		policy:  policy,
		aliases: dict.LongAliases(),
		reapply: newWordReplacer(dict.Aliases()),
	}
}

// Policy returns the active resolution policy.
func (n *NameNormalizer) Policy() NamePolicy { return n.policy }

type resolution struct {
	name   string
	score  float64
	method string
}

// Normalize tokenises text and resolves each token in order:
//
//  1. protected words and location-like tokens pass through;
//  2. capitalised short aliases resolve exactly;
//  3. tokens that are not capitalised, or shorter than three runes, pass through;
//  4. canonical names pass through;
//  5. otherwise the best-scoring configured long alias replaces the token
//     when the policy accepts its score.
//
// Tokens are rejoined with single spaces, so punctuation and line breaks are
// dropped. Every substitution is returned as a [Correction].
func (n *NameNormalizer) Normalize(text string) (string, []Correction) {
	tokens := tokenPattern.FindAllString(text, -1)
	out := make([]string, len(tokens))
	corrections := []Correction{}
	cache := make(map[string]resolution)

	for i, tok := range tokens {
		var prev, next string
		if i > 0 {
			prev = tokens[i-1]
		}
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		out[i] = tok

		if n.looksLikeLocation(tok, prev, next) {
			continue
		}

		res, ok := cache[tok]
		if !ok {
			res = n.resolve(tok)
			cache[tok] = res
		}
		if res.name == "" || res.name == tok {
			continue
		}
		out[i] = res.name
		corrections = append(corrections, Correction{
			Original:   tok,
			Corrected:  res.name,
			Confidence: res.score / 100,
			Method:     res.method,
		})
	}
	return strings.Join(out, " "), corrections
}

// resolve applies rules 2–5 to a token that passed the location guard.
func (n *NameNormalizer) resolve(tok string) resolution {
	if n.dict.IsShortAlias(tok) {
		if !isCapitalized(tok) {
			return resolution{}
		}
		name, ok := n.dict.ResolveShort(tok)
		if !ok {
			return resolution{}
		}
		return resolution{name: name, score: 100, method: MethodShortAlias}
	}

	if !isCapitalized(tok) || utf8.RuneCountInString(tok) < minFuzzyLen {
		return resolution{}
	}
	if n.dict.IsCanonical(tok) {
		return resolution{}
	}

	alias, score, ok := fuzzy.BestMatch(tok, n.aliases, n.policy.Scorer)
	if !ok || !n.policy.Accepts(score) {
		return resolution{}
	}
	name, _ := n.dict.Canonical(alias)
	return resolution{name: name, score: score, method: MethodFuzzy}
}

// looksLikeLocation is the guard that keeps common nouns and place names away
// from fuzzy matching.
func (n *NameNormalizer) looksLikeLocation(tok, prev, next string) bool {
	if n.dict.IsProtected(tok) {
		return true
	}
	if isLocationHint(prev) || isLocationHint(next) {
		return true
	}
	first, _ := utf8.DecodeRuneInString(tok)
	if unicode.IsLower(first) {
		return true
	}
	return strings.Contains(tok, "-")
}

// ReplaceAliases rewrites whole-word, case-sensitive occurrences of every
// configured alias to its canonical name. Unlike [NameNormalizer.Normalize]
// it preserves layout, which makes it suitable for finished Markdown.
func (n *NameNormalizer) ReplaceAliases(text string) string {
	out, _ := n.reapply.Replace(text)
	return out
}

func isLocationHint(tok string) bool {
	if tok == "" {
		return false
	}
	_, ok := locationHints[strings.ToLower(tok)]
	return ok
}

func isCapitalized(tok string) bool {
	first, _ := utf8.DecodeRuneInString(tok)
	return unicode.IsUpper(first)
}
