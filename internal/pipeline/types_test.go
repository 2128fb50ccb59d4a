package pipeline_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/taleweaver/internal/parse"
	"github.com/MrWong99/taleweaver/internal/pipeline"
)

func TestProjectCanon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantChars []string
		wantLocs  []string
	}{
		{
			name:      "full entities",
			raw:       `{"characters":[{"name":"Graak","aliases":["J"],"description":"fighter"}],"locations":[{"name":"Crypt"}]}`,
			wantChars: []string{"Graak"},
			wantLocs:  []string{"Crypt"},
		},
		{
			name:      "bare names",
			raw:       `{"characters":["Graak","Bahl"],"items":["rope"]}`,
			wantChars: []string{"Graak", "Bahl"},
		},
		{
			name:      "unnamed and odd entries skipped",
			raw:       `{"characters":[{"description":"someone"},"",42,"Bahl"]}`,
			wantChars: []string{"Bahl"},
		},
		{name: "category not a list", raw: `{"characters":"Graak"}`},
		{name: "not an object", raw: `["Graak"]`},
		{name: "null", raw: `null`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := parse.Parse(tc.raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			rec := pipeline.ProjectCanon(v)
			if got := entityNames(rec.Characters); !slices.Equal(got, tc.wantChars) {
				t.Errorf("characters = %v, want %v", got, tc.wantChars)
			}
			if got := entityNames(rec.Locations); !slices.Equal(got, tc.wantLocs) {
				t.Errorf("locations = %v, want %v", got, tc.wantLocs)
			}
		})
	}
}

func TestProjectCanon_KeepsAliases(t *testing.T) {
	t.Parallel()

	v, err := parse.Parse(`{"characters":[{"name":"Graak","aliases":["J",3,"Jay"],"description":"A half-orc."}]}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := pipeline.ProjectCanon(v).Characters
	if len(got) != 1 {
		t.Fatalf("characters = %+v, want one", got)
	}
	if !slices.Equal(got[0].Aliases, []string{"J", "Jay"}) || got[0].Description != "A half-orc." {
		t.Errorf("entity = %+v", got[0])
	}
}

func entityNames(es []pipeline.CanonEntity) []string {
	var out []string
	for _, e := range es {
		out = append(out, e.Name)
	}
	return out
}
