package artifact

import (
	"context"
	"fmt"
	"maps"

	"github.com/MrWong99/taleweaver/internal/pipeline"
)

var _ pipeline.Writer = Multi(nil)

// Multi persists to every writer in order and merges their artifacts. The
// first failure aborts the remaining writers.
type Multi []pipeline.Writer

// Persist implements [pipeline.Writer].
func (m Multi) Persist(ctx context.Context, res *pipeline.Result, source string) (pipeline.Artifacts, error) {
	out := make(pipeline.Artifacts)
	for i, w := range m {
		arts, err := w.Persist(ctx, res, source)
		if err != nil {
			return out, fmt.Errorf("artifact: writer %d of %d: %w", i+1, len(m), err)
		}
		maps.Copy(out, arts)
	}
	return out, nil
}
