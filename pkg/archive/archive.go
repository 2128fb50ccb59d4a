// Package archive defines storage for finished session recaps.
//
// A [Recap] is the denormalised record of one pipeline run: the two final
// documents for quick listing plus the complete result document as raw JSON.
// Implementations must be safe for concurrent use.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Get] for an unknown id.
var ErrNotFound = errors.New("archive: recap not found")

// Recap is one archived run.
type Recap struct {
	// ID is the run id.
	ID string `json:"id"`

	// Source is the uploaded file name, empty when there was none.
	Source string `json:"source"`

	ChunkCount  int    `json:"chunk_count"`
	GMRecap     string `json:"gm_recap"`
	PlayerStory string `json:"player_story"`

	// Result is the full result document. List leaves it empty.
	Result json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ListOpts filters [Store.List].
type ListOpts struct {
	// Query is a full-text search over both recap documents. Empty lists
	// everything.
	Query string

	// Source restricts results to one source file name.
	Source string

	// Limit caps the number of results. Zero lets the implementation choose.
	Limit int
}

// Store persists recaps.
type Store interface {
	// Save inserts rec, replacing any recap with the same ID.
	Save(ctx context.Context, rec Recap) error

	// Get returns the recap with id, including its result document.
	Get(ctx context.Context, id string) (Recap, error)

	// List returns recaps newest first, without result documents.
	List(ctx context.Context, opts ListOpts) ([]Recap, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
