// Package fuzzy provides string-similarity scorers used to decide whether a
// transcript token refers to a known character alias.
//
// All scorers return a similarity on a 0–100 scale where 100 is an exact
// match. Comparisons are case-sensitive; callers that want case folding must
// normalise inputs themselves.
//
// [WeightedRatio] blends several edit-distance views of the two strings
// (plain, partial, token-sorted and token-set ratios) and favours the plain
// ratio when both strings have similar lengths. [Phonetic] gates candidates on
// Double Metaphone overlap before ranking by Jaro-Winkler similarity.
package fuzzy

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Scorer computes a similarity between a and b in [0, 100].
// Implementations must be safe for concurrent use.
type Scorer interface {
	Score(a, b string) float64
}

// ScorerFunc adapts an ordinary function to the [Scorer] interface.
type ScorerFunc func(a, b string) float64

// Score implements [Scorer].
func (f ScorerFunc) Score(a, b string) float64 { return f(a, b) }

// WeightedRatio is the default name-matching scorer.
var WeightedRatio Scorer = ScorerFunc(WRatio)

// unbaseScale discounts token-based ratios relative to the plain ratio.
const unbaseScale = 0.95

// Ratio is the normalised indel similarity: 200·LCS / (len(a)+len(b)),
// measured in runes.
func Ratio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la+lb == 0 {
		return 100
	}
	return 200 * float64(matchr.LongestCommonSubsequence(a, b)) / float64(la+lb)
}

// PartialRatio returns the best [Ratio] between the shorter string and any
// equally long window of the longer one. Windows clipped at either end are
// considered too, so a short string aligned with a prefix or suffix still
// scores well.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}
	s := string(short)
	n := len(short)
	best := 0.0
	try := func(w []rune) {
		if r := Ratio(s, string(w)); r > best {
			best = r
		}
	}
	for i := 1; i < n && best < 100; i++ {
		try(long[:i])
	}
	for i := 0; i+n <= len(long) && best < 100; i++ {
		try(long[i : i+n])
	}
	for i := len(long) - n + 1; i < len(long) && best < 100; i++ {
		if i > 0 {
			try(long[i:])
		}
	}
	return best
}

// TokenSortRatio compares the strings after sorting their whitespace-separated
// tokens.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

// TokenSetRatio compares the shared tokens of both strings against each side's
// remaining tokens and returns the best resulting ratio.
func TokenSetRatio(a, b string) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	sect, diffAB, diffBA := tokenSets(a, b)
	if len(sect) > 0 && (len(diffAB) == 0 || len(diffBA) == 0) {
		return 100
	}

	sectJoined := strings.Join(sect, " ")
	abJoined := strings.Join(diffAB, " ")
	baJoined := strings.Join(diffBA, " ")
	sectLen := utf8.RuneCountInString(sectJoined)
	abLen := utf8.RuneCountInString(abJoined)
	baLen := utf8.RuneCountInString(baJoined)

	best := Ratio(abJoined, baJoined)
	if sectLen > 0 {
		// "sect" against "sect ab": they differ by ab plus the joining space.
		sectABLen := sectLen + 1 + abLen
		sectBALen := sectLen + 1 + baLen
		if r := 100 - 100*float64(abLen+1)/float64(sectLen+sectABLen); r > best {
			best = r
		}
		if r := 100 - 100*float64(baLen+1)/float64(sectLen+sectBALen); r > best {
			best = r
		}
	}
	return best
}

// partialTokenRatio is the partial ratio of the sorted token lists, or 100
// when the strings share a token.
func partialTokenRatio(a, b string) float64 {
	sect, diffAB, diffBA := tokenSets(a, b)
	if len(sect) > 0 {
		return 100
	}
	best := PartialRatio(sortedTokens(a), sortedTokens(b))
	if len(diffAB) > 0 && len(diffBA) > 0 {
		if r := PartialRatio(strings.Join(diffAB, " "), strings.Join(diffBA, " ")); r > best {
			best = r
		}
	}
	return best
}

// WRatio picks the most appropriate of the ratios above for the length
// relationship between a and b and weights it accordingly.
func WRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	lenRatio := float64(max(la, lb)) / float64(min(la, lb))

	score := Ratio(a, b)
	if lenRatio < 1.5 {
		tok := max(TokenSortRatio(a, b), TokenSetRatio(a, b)) * unbaseScale
		return max(score, tok)
	}

	partialScale := 0.9
	if lenRatio >= 8 {
		partialScale = 0.6
	}
	score = max(score, PartialRatio(a, b)*partialScale)
	return max(score, partialTokenRatio(a, b)*unbaseScale*partialScale)
}

// BestMatch returns the choice scoring highest against query. Ties keep the
// earliest choice. ok is false when choices is empty.
func BestMatch(query string, choices []string, scorer Scorer) (match string, score float64, ok bool) {
	best := -1.0
	for _, c := range choices {
		s := scorer.Score(query, c)
		if s > best {
			best, match = s, c
			if s == 100 {
				break
			}
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return match, best, true
}

func sortedTokens(s string) string {
	toks := strings.Fields(s)
	slices.Sort(toks)
	return strings.Join(toks, " ")
}

// tokenSets returns the sorted intersection and the two sorted differences of
// the token sets of a and b.
func tokenSets(a, b string) (sect, diffAB, diffBA []string) {
	setA := make(map[string]bool)
	for _, t := range strings.Fields(a) {
		setA[t] = true
	}
	setB := make(map[string]bool)
	for _, t := range strings.Fields(b) {
		setB[t] = true
	}
	for t := range setA {
		if setB[t] {
			sect = append(sect, t)
		} else {
			diffAB = append(diffAB, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			diffBA = append(diffBA, t)
		}
	}
	slices.Sort(sect)
	slices.Sort(diffAB)
	slices.Sort(diffBA)
	return sect, diffAB, diffBA
}
