package entity

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a dictionary file.
type Format string

const (
	// FormatJSON is the {"characters": {...}} layout used by characters.json.
	FormatJSON Format = "json"

	// FormatYAML is the same layout expressed in YAML.
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the file format from its extension. Anything other
// than .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads a character dictionary from disk. extraProtected is merged into
// the file's protected words.
func Load(path string, extraProtected ...string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrInvalidDictionary, path, err)
	}
	defer f.Close()

	d, err := LoadFromReader(f, FormatFromPath(path), extraProtected...)
	if err != nil {
		return nil, fmt.Errorf("entity: load %q: %w", path, err)
	}
	return d, nil
}

// LoadFromReader parses a dictionary from r in the given format.
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadFromReader(r io.Reader, format Format, extraProtected ...string) (*Dictionary, error) {
	var file File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true) // reject unknown keys to catch typos
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidDictionary, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("%w: decode json: %w", ErrInvalidDictionary, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidDictionary, format)
	}
	return FromFile(file, extraProtected...)
}

// FromFile builds a Dictionary from an already decoded [File].
func FromFile(file File, extraProtected ...string) (*Dictionary, error) {
	if len(file.Characters) == 0 {
		return nil, fmt.Errorf("%w: no characters defined", ErrInvalidDictionary)
	}
	chars := make([]Character, 0, len(file.Characters))
	for name, c := range file.Characters {
		c.Name = name
		chars = append(chars, c)
	}
	protected := append(append([]string(nil), file.ProtectedWords...), extraProtected...)
	return New(chars, protected)
}
