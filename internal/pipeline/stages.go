package pipeline

// Stage names, in the order a sequential run executes them.
const (
	StageNormalize          = "normalize"
	StageExtractCanon       = "extract_canon"
	StageExtractTimeline    = "extract_timeline"
	StageChunk              = "chunk"
	StageChunkAnalytical    = "chunk_analytical"
	StageChunkNarrative     = "chunk_narrative"
	StageChunkActions       = "chunk_actions"
	StageGMSynthesis        = "gm_synthesis"
	StageNarrativeSynthesis = "narrative_synthesis"
	StageGMFinal            = "gm_final"
	StageReapplyNames       = "reapply_names"
	StagePlayerFinal        = "player_final"
	StageQACheck            = "qa_check"
)

// Sampling temperatures per model stage.
const (
	TempAnalytical         = 0.2
	TempNarrativeDigest    = 0.5
	TempActions            = 0.3
	TempCanon              = 0.0
	TempTimeline           = 0.0
	TempGMSynthesis        = 0.2
	TempNarrativeSynthesis = 0.3
	TempGMFinal            = 0.2
	TempPlayerStory        = 0.8
	TempQA                 = 0.0
)

// Models selects the model id used by each group of stages.
type Models struct {
	// Analytical serves per-chunk analytical summaries, canon and timeline.
	Analytical string `yaml:"analytical"`

	// Narrative serves per-chunk digests and action logs.
	Narrative string `yaml:"narrative"`

	// Synthesis serves both synthesis stages.
	Synthesis string `yaml:"synthesis"`

	GMFinal     string `yaml:"gm_final"`
	PlayerFinal string `yaml:"player_final"`
	QA          string `yaml:"qa"`
}

// DefaultModels returns the stock model assignment.
func DefaultModels() Models {
	return Models{
		Analytical:  "gpt-4.1-mini",
		Narrative:   "gpt-4.1-mini",
		Synthesis:   "gpt-4.1",
		GMFinal:     "gpt-4.1",
		PlayerFinal: "gpt-4.1",
		QA:          "gpt-4.1-mini",
	}
}

// withDefaults fills every empty model id from [DefaultModels].
func (m Models) withDefaults() Models {
	d := DefaultModels()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&m.Analytical, d.Analytical)
	fill(&m.Narrative, d.Narrative)
	fill(&m.Synthesis, d.Synthesis)
	fill(&m.GMFinal, d.GMFinal)
	fill(&m.PlayerFinal, d.PlayerFinal)
	fill(&m.QA, d.QA)
	return m
}
