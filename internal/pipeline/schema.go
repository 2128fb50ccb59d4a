package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/taleweaver/pkg/provider/llm"
)

// structuredFormat is a reflected JSON schema in the two shapes a stage
// needs: a map for the response format and indented text for the prompt.
type structuredFormat struct {
	format *llm.ResponseFormat
	text   string
}

// reflectFormat builds the response format for T.
func reflectFormat[T any](name, description string) (structuredFormat, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)

	b, err := json.Marshal(schema)
	if err != nil {
		return structuredFormat{}, fmt.Errorf("pipeline: reflect %s schema: %w", name, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return structuredFormat{}, fmt.Errorf("pipeline: reflect %s schema: %w", name, err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	text, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return structuredFormat{}, fmt.Errorf("pipeline: reflect %s schema: %w", name, err)
	}
	return structuredFormat{
		format: &llm.ResponseFormat{
			Kind:        llm.FormatJSONSchema,
			Name:        name,
			Description: description,
			Schema:      m,
		},
		text: string(text),
	}, nil
}
