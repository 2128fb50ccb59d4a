// Package transcript normalises raw session transcripts to a single canonical
// vocabulary before any language-model stage sees them.
//
// Player speech is full of real names, nicknames and creative spellings of
// place names. The [Pipeline] applies two passes in a fixed order:
//
//  1. [NameNormalizer]: every token is resolved against the character
//     dictionary. Short aliases match exactly; longer tokens are matched with a
//     configurable fuzzy [NamePolicy]. A location guard keeps common nouns and
//     place words untouched.
//
//  2. [LocationNormalizer]: location-like phrases are extracted with surface
//     patterns, near-duplicate spellings are clustered, and every variant is
//     rewritten to the most frequent spelling of its cluster.
//
// Each [Correction] records which method produced a name substitution and its
// confidence, so callers can audit the rewrite.
//
// All types in this package are immutable after construction and safe for
// concurrent use.
package transcript

import (
	"context"
	"log/slog"
)

// Well-known values for [Correction.Method].
const (
	MethodShortAlias = "short_alias"
	MethodFuzzy      = "fuzzy"
)

// Correction captures a single token-level substitution.
type Correction struct {
	// Original is the token as it appeared in the raw transcript.
	Original string `json:"original"`

	// Corrected is the canonical name that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the policy score scaled to 0.0–1.0. Exact short-alias
	// matches report 1.0.
	Confidence float64 `json:"confidence"`

	// Method is [MethodShortAlias] or [MethodFuzzy].
	Method string `json:"method"`
}

// Normalized is the output of [Pipeline.Normalize].
type Normalized struct {
	// Text is the transcript after both passes.
	Text string

	// Corrections lists every name substitution in transcript order.
	Corrections []Correction

	// Clusters are the location spelling clusters that were found.
	Clusters []LocationCluster

	// LocationMap maps each location spelling to its canonical form.
	LocationMap map[string]string
}

// Pipeline runs the name pass followed by the location pass.
type Pipeline struct {
	names     *NameNormalizer
	locations *LocationNormalizer
}

// NewPipeline combines the two normalisers.
func NewPipeline(names *NameNormalizer, locations *LocationNormalizer) *Pipeline {
	return &Pipeline{names: names, locations: locations}
}

// Names returns the name normaliser, used again after final GM synthesis.
func (p *Pipeline) Names() *NameNormalizer { return p.names }

// Normalize applies both passes to raw. The context is only used for logging;
// normalisation is CPU-bound and not interruptible.
func (p *Pipeline) Normalize(ctx context.Context, raw string) Normalized {
	text, corrections := p.names.Normalize(raw)
	text, clusters, locMap := p.locations.Normalize(text)

	slog.DebugContext(ctx, "transcript normalised",
		"name_corrections", len(corrections),
		"location_clusters", len(clusters),
	)
	return Normalized{
		Text:        text,
		Corrections: corrections,
		Clusters:    clusters,
		LocationMap: locMap,
	}
}
