package artifact

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/taleweaver/internal/pipeline"
	"github.com/MrWong99/taleweaver/pkg/archive"
)

// KeyArchive is the artifact key written by [ArchiveWriter].
const KeyArchive = "archive"

var _ pipeline.Writer = (*ArchiveWriter)(nil)

// ArchiveWriter stores results in an [archive.Store]. The artifact location
// is the API path the recap can be fetched from.
type ArchiveWriter struct {
	store archive.Store
}

// NewArchiveWriter returns a writer backed by store.
func NewArchiveWriter(store archive.Store) *ArchiveWriter {
	return &ArchiveWriter{store: store}
}

// Persist implements [pipeline.Writer].
func (w *ArchiveWriter) Persist(ctx context.Context, res *pipeline.Result, source string) (pipeline.Artifacts, error) {
	doc, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode result: %w", err)
	}
	rec := archive.Recap{
		ID:          res.RunID,
		Source:      source,
		ChunkCount:  res.ChunkCount,
		GMRecap:     res.GMFinalSummary,
		PlayerStory: res.PlayerFinalStory,
		Result:      doc,
		CreatedAt:   res.FinishedAt,
	}
	if err := w.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("artifact: archive: %w", err)
	}
	return pipeline.Artifacts{KeyArchive: "/api/recaps/" + res.RunID}, nil
}
