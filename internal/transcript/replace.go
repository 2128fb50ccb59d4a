package transcript

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// isWordRune matches the characters a regular-expression \w would match.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// wordReplacer substitutes whole-word, case-sensitive occurrences of a fixed
// set of phrases in a single left-to-right pass. Replacements are never
// re-scanned, so one substitution cannot feed another.
type wordReplacer struct {
	// byFirst buckets phrases by their first rune, longest phrase first.
	byFirst map[rune][]replacement
}

type replacement struct {
	from, to string
}

func newWordReplacer(mapping map[string]string) *wordReplacer {
	w := &wordReplacer{byFirst: make(map[rune][]replacement)}
	for from, to := range mapping {
		if from == "" || from == to {
			continue
		}
		r, _ := utf8.DecodeRuneInString(from)
		w.byFirst[r] = append(w.byFirst[r], replacement{from: from, to: to})
	}
	for r, reps := range w.byFirst {
		slices.SortFunc(reps, func(a, b replacement) int {
			if c := cmp.Compare(len(b.from), len(a.from)); c != 0 {
				return c
			}
			return strings.Compare(a.from, b.from)
		})
		w.byFirst[r] = reps
	}
	return w
}

// Replace returns text with every mapped phrase replaced and the number of
// substitutions made.
func (w *wordReplacer) Replace(text string) (string, int) {
	if len(w.byFirst) == 0 {
		return text, 0
	}
	var b strings.Builder
	b.Grow(len(text))
	n := 0
	prevWord := false
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !prevWord || !isWordRune(r) {
			if rep, ok := w.match(text, i, r); ok {
				b.WriteString(rep.to)
				i += len(rep.from)
				last, _ := utf8.DecodeLastRuneInString(rep.from)
				prevWord = isWordRune(last)
				n++
				continue
			}
		}
		b.WriteString(text[i : i+size])
		prevWord = isWordRune(r)
		i += size
	}
	return b.String(), n
}

// match finds the longest phrase starting at byte offset i whose edges fall on
// word boundaries.
func (w *wordReplacer) match(text string, i int, first rune) (replacement, bool) {
	for _, rep := range w.byFirst[first] {
		if !strings.HasPrefix(text[i:], rep.from) {
			continue
		}
		end := i + len(rep.from)
		if end < len(text) {
			last, _ := utf8.DecodeLastRuneInString(rep.from)
			next, _ := utf8.DecodeRuneInString(text[end:])
			if isWordRune(last) && isWordRune(next) {
				continue
			}
		}
		return rep, true
	}
	return replacement{}, false
}
