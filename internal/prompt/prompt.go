// Package prompt holds the text templates that drive each model stage.
//
// Templates are embedded in the binary and can be overridden one by one from
// a directory: a file named "<name>.tmpl" in that directory replaces the
// embedded template of the same name. Templates use text/template syntax and
// read their inputs from a [Vars] map, e.g. {{.chunk}}. Referencing a
// variable that was not supplied is an error.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"text/template"
)

// Template names, one per model stage.
const (
	Analytical         = "gm_analytical"
	NarrativeDigest    = "narrative_digest"
	ActionExtract      = "narrative_action_extract"
	Canon              = "canon_extract"
	Timeline           = "timeline_extract"
	GMSynthesis        = "gm_synthesis"
	NarrativeSynthesis = "narrative_synthesis"
	GMFinal            = "gm_final"
	PlayerStory        = "player_story"
	QA                 = "qa_check"
)

// ErrUnknownTemplate is returned by [Set.Render] for a name that is not
// registered.
var ErrUnknownTemplate = errors.New("prompt: unknown template")

// names is the stable order of every template.
var names = []string{
	Analytical,
	NarrativeDigest,
	ActionExtract,
	Canon,
	Timeline,
	GMSynthesis,
	NarrativeSynthesis,
	GMFinal,
	PlayerStory,
	QA,
}

//go:embed templates/*.tmpl
var embedded embed.FS

// Vars are the named inputs of a template.
type Vars map[string]string

// Set is an immutable collection of parsed templates, safe for concurrent
// use.
type Set struct {
	tmpls map[string]*template.Template
}

// Names returns every template name in pipeline order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Default returns the embedded templates.
func Default() (*Set, error) {
	return Load("")
}

// Load parses the embedded templates and applies overrides from dir. An
// empty dir means no overrides. Files in dir that do not match a template
// name are ignored.
func Load(dir string) (*Set, error) {
	var override fs.FS
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("prompt: overrides dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("prompt: overrides dir %q is not a directory", dir)
		}
		override = os.DirFS(dir)
	}

	s := &Set{tmpls: make(map[string]*template.Template, len(names))}
	for _, name := range names {
		file := name + ".tmpl"
		src, err := fs.ReadFile(embedded, path.Join("templates", file))
		if err != nil {
			return nil, fmt.Errorf("prompt: read embedded %s: %w", file, err)
		}
		if override != nil {
			b, err := fs.ReadFile(override, file)
			switch {
			case err == nil:
				src = b
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("prompt: read override %s: %w", file, err)
			}
		}
		t, err := template.New(name).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("prompt: parse %s: %w", file, err)
		}
		s.tmpls[name] = t
	}
	return s, nil
}

// Render executes the named template with vars.
func (s *Set) Render(name string, vars Vars) (string, error) {
	t, ok := s.tmpls[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", name, err)
	}
	return b.String(), nil
}
