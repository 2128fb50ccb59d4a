package transcript

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/aryann/difflib"

	"github.com/MrWong99/taleweaver/internal/entity"
)

// DefaultLocationThreshold is the minimum similarity (0–1) for two location
// spellings to share a cluster.
const DefaultLocationThreshold = 0.72

// locationPatterns capture location-like phrases in the first group.
var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bthe ([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)*)\b`),
	regexp.MustCompile(`\bin ([A-Z][a-zA-Z]+)\b`),
	regexp.MustCompile(`\bat ([A-Z][a-zA-Z]+)\b`),
	regexp.MustCompile(`\b([A-Z][a-zA-Z]+ Room)\b`),
	regexp.MustCompile(`\b([A-Z][a-zA-Z]+ Chamber)\b`),
	regexp.MustCompile(`\b([A-Z][a-zA-Z]+ Hall)\b`),
}

// LocationCluster groups spellings judged to name the same place.
type LocationCluster struct {
	// Members are the distinct spellings, seed first.
	Members []string `json:"members"`

	// Canonical is the member that occurs most often in the transcript.
	Canonical string `json:"canonical"`
}

// LocationNormalizer unifies the spelling of place names. It is immutable and
// safe for concurrent use.
type LocationNormalizer struct {
	dict      *entity.Dictionary
	threshold float64
}

// NewLocationNormalizer returns a normaliser that clusters candidates at the
// given similarity threshold. Non-positive thresholds use
// [DefaultLocationThreshold].
func NewLocationNormalizer(dict *entity.Dictionary, threshold float64) *LocationNormalizer {
	if threshold <= 0 {
		threshold = DefaultLocationThreshold
	}
	return &LocationNormalizer{dict: dict, threshold: threshold}
}

// Normalize rewrites every clustered spelling variant to its canonical form.
// It returns the rewritten text, the clusters, and the variant to canonical
// mapping that was applied.
func (l *LocationNormalizer) Normalize(text string) (string, []LocationCluster, map[string]string) {
	clusters := ClusterLocations(l.Candidates(text), l.threshold)

	mapping := make(map[string]string)
	for i := range clusters {
		clusters[i].Canonical = pickCanonical(clusters[i].Members, text)
		for _, m := range clusters[i].Members {
			mapping[m] = clusters[i].Canonical
		}
	}

	out, _ := newWordReplacer(mapping).Replace(text)
	return out, clusters, mapping
}

// Candidates extracts location-like phrases from text, sorted and without
// duplicates. Phrases are cut before the first word that is a canonical
// character name, and phrases containing a protected word are dropped.
func (l *LocationNormalizer) Candidates(text string) []string {
	seen := make(map[string]struct{})
	for _, re := range locationPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			cand := l.trimCharacterNames(m[1])
			if cand == "" || l.hasProtectedWord(cand) {
				continue
			}
			seen[cand] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (l *LocationNormalizer) trimCharacterNames(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		if l.dict.IsCanonical(w) {
			return strings.Join(words[:i], " ")
		}
	}
	return phrase
}

func (l *LocationNormalizer) hasProtectedWord(phrase string) bool {
	for _, w := range strings.Fields(phrase) {
		if l.dict.IsProtected(w) {
			return true
		}
	}
	return l.dict.IsProtected(phrase)
}

// ClusterLocations greedily groups candidates: each unassigned candidate seeds
// a cluster and absorbs every later unassigned candidate whose case-folded
// similarity to the seed is at least threshold. Repeated candidates are
// collapsed. Canonical is left empty.
func ClusterLocations(candidates []string, threshold float64) []LocationCluster {
	candidates = dedupe(candidates)
	used := make([]bool, len(candidates))
	var clusters []LocationCluster
	for i, seed := range candidates {
		if used[i] {
			continue
		}
		used[i] = true
		c := LocationCluster{Members: []string{seed}}
		for j := i + 1; j < len(candidates); j++ {
			if used[j] {
				continue
			}
			if Similarity(seed, candidates[j]) >= threshold {
				c.Members = append(c.Members, candidates[j])
				used[j] = true
			}
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// Similarity is the case-insensitive ratio 2·M / T, where M is the number of
// runes the two strings have in common along their longest common
// subsequence and T is their combined length. It ranges over [0, 1].
func Similarity(a, b string) float64 {
	ra := splitRunes(strings.ToLower(a))
	rb := splitRunes(strings.ToLower(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	matches := 0
	for _, rec := range difflib.Diff(ra, rb) {
		if rec.Delta == difflib.Common {
			matches++
		}
	}
	return 2 * float64(matches) / float64(total)
}

// pickCanonical returns the member with the most literal occurrences in text.
// Ties go to the earlier member.
func pickCanonical(members []string, text string) string {
	best, bestCount := "", -1
	for _, m := range members {
		if c := strings.Count(text, m); c > bestCount {
			best, bestCount = m, c
		}
	}
	return best
}

func splitRunes(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// dedupe drops repeated strings, keeping first occurrences in order.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
