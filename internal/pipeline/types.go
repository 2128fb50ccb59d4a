package pipeline

import (
	"time"

	"github.com/MrWong99/taleweaver/internal/transcript"
)

// CanonEntity is one named thing the canon extraction found.
type CanonEntity struct {
	Name        string   `json:"name" jsonschema:"required,description=Canonical name of the entity"`
	Aliases     []string `json:"aliases" jsonschema:"required,description=Other names or spellings used in the transcript"`
	Description string   `json:"description" jsonschema:"required,description=One sentence describing the entity"`
}

// CanonRecord is the canonical entity list of a session.
type CanonRecord struct {
	Characters []CanonEntity `json:"characters" jsonschema:"required"`
	Locations  []CanonEntity `json:"locations" jsonschema:"required"`
	Items      []CanonEntity `json:"items" jsonschema:"required"`
	Creatures  []CanonEntity `json:"creatures" jsonschema:"required"`
}

// TimelineRecord is the ordered event list of a session.
type TimelineRecord struct {
	Timeline           []string            `json:"timeline" jsonschema:"required,description=In-world events in the order they happened"`
	SimultaneousEvents map[string][]string `json:"simultaneous_events" jsonschema:"required,description=Events that happened at the same time keyed by a short label"`
}

// Result is everything a successful run produced. It is only built once
// every stage has succeeded.
//
// Canon holds the decoded canon output exactly as the model returned it,
// including categories [CanonRecord] does not know. Use [Result.Entities]
// for a typed view.
//
// ChunkAnalyticalSummaries, ChunkNarrativeDigests and ChunkActionLogs are
// aligned with each other: entry i of each belongs to chunk i.
type Result struct {
	RunID                    string                  `json:"run_id"`
	Source                   *string                 `json:"source"`
	ChunkCount               int                     `json:"chunk_count"`
	Canon                    any                     `json:"canon"`
	Timeline                 []string                `json:"timeline"`
	SimultaneousEvents       map[string][]string     `json:"simultaneous_events"`
	ChunkAnalyticalSummaries []string                `json:"chunk_analytical_summaries"`
	ChunkNarrativeDigests    []string                `json:"chunk_narrative_digests"`
	ChunkActionLogs          []string                `json:"chunk_action_logs"`
	GMSynthesis              string                  `json:"gm_synthesis"`
	PlayerSynthesis          string                  `json:"player_synthesis"`
	GMFinalSummary           string                  `json:"gm_final_summary"`
	PlayerFinalStory         string                  `json:"player_final_story"`
	QAReport                 string                  `json:"qa_report"`
	LocationMap              map[string]string       `json:"location_map"`
	NameCorrections          []transcript.Correction `json:"name_corrections"`
	StartedAt                time.Time               `json:"started_at"`
	FinishedAt               time.Time               `json:"finished_at"`
}

// Entities projects Canon onto a [CanonRecord].
func (r *Result) Entities() CanonRecord { return ProjectCanon(r.Canon) }

// SourceName returns the source file name, or "" when there was none.
func (r *Result) SourceName() string {
	if r.Source == nil {
		return ""
	}
	return *r.Source
}

// Artifacts maps an artifact kind (e.g. "json", "gm_markdown") to where it
// was stored.
type Artifacts map[string]string

// ProjectCanon reads the four known categories out of a decoded canon
// object. Entries may be objects or bare names; anything else, including
// entries without a name, is skipped.
func ProjectCanon(v any) CanonRecord {
	obj, _ := v.(map[string]any)
	return CanonRecord{
		Characters: projectEntities(obj["characters"]),
		Locations:  projectEntities(obj["locations"]),
		Items:      projectEntities(obj["items"]),
		Creatures:  projectEntities(obj["creatures"]),
	}
}

func projectEntities(v any) []CanonEntity {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]CanonEntity, 0, len(list))
	for _, item := range list {
		switch e := item.(type) {
		case string:
			if e != "" {
				out = append(out, CanonEntity{Name: e, Aliases: []string{}})
			}
		case map[string]any:
			name, _ := e["name"].(string)
			if name == "" {
				continue
			}
			desc, _ := e["description"].(string)
			ent := CanonEntity{Name: name, Aliases: []string{}, Description: desc}
			if aliases, ok := e["aliases"].([]any); ok {
				for _, a := range aliases {
					if s, ok := a.(string); ok {
						ent.Aliases = append(ent.Aliases, s)
					}
				}
			}
			out = append(out, ent)
		}
	}
	return out
}
