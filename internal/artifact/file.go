// Package artifact persists finished pipeline results.
//
// [FileWriter] is always present and writes the JSON result plus one
// Markdown document each for the GM and the players. [ArchiveWriter] stores
// results in a recap archive and [DiscordPublisher] posts the player story to
// a channel. [Multi] chains writers.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/pipeline"
)

// DefaultBase names the files of a run without a source file.
const DefaultBase = "session_output"

// Artifact keys written by [FileWriter].
const (
	KeyJSON           = "json"
	KeyGMMarkdown     = "gm_markdown"
	KeyPlayerMarkdown = "player_markdown"
)

var _ pipeline.Writer = (*FileWriter)(nil)

// FileWriter writes results into a directory. Files are replaced atomically,
// so a reader never sees a partial document.
type FileWriter struct {
	dir string
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact: output dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create output dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Dir returns the output directory.
func (w *FileWriter) Dir() string { return w.dir }

// BaseName derives the file name stem from source: its last path element
// without extension, or [DefaultBase].
func BaseName(source string) string {
	if source == "" {
		return DefaultBase
	}
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return DefaultBase
	}
	return base
}

// GMMarkdown renders the GM recap document.
func GMMarkdown(base string, res *pipeline.Result) string {
	return "# GM Recap — " + base + "\n\n" + res.GMFinalSummary
}

// PlayerMarkdown renders the player recap document.
func PlayerMarkdown(base string, res *pipeline.Result) string {
	return "# Player Recap — " + base + "\n\n" + res.PlayerFinalStory
}

// Persist implements [pipeline.Writer].
func (w *FileWriter) Persist(ctx context.Context, res *pipeline.Result, source string) (pipeline.Artifacts, error) {
	base := BaseName(source)

	doc, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifact: encode result: %w", err)
	}

	files := []struct {
		key, name string
		data      []byte
	}{
		{KeyJSON, base + "_summary.json", doc},
		{KeyGMMarkdown, base + "_gm_recap.md", []byte(GMMarkdown(base, res))},
		{KeyPlayerMarkdown, base + "_player_recap.md", []byte(PlayerMarkdown(base, res))},
	}

	arts := make(pipeline.Artifacts, len(files))
	for _, f := range files {
		path := filepath.Join(w.dir, f.name)
		if err := writeAtomic(path, f.data); err != nil {
			return nil, fmt.Errorf("artifact: write %s: %w", f.name, err)
		}
		arts[f.key] = path
	}
	observe.Logger(ctx).Info("artifacts written", "dir", w.dir, "base", base)
	return arts, nil
}

// Check reports whether the output directory is writable.
func (w *FileWriter) Check(context.Context) error {
	f, err := os.CreateTemp(w.dir, ".readyz-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
