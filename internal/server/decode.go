package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInputRejected is returned when an upload is refused before the pipeline
// runs.
var ErrInputRejected = errors.New("server: input rejected")

// AllowedExtensions lists the accepted transcript file extensions. Matching
// is case-insensitive.
var AllowedExtensions = []string{".txt", ".vtt", ".srt"}

// CheckFilename rejects names whose extension is not in [AllowedExtensions].
func CheckFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing file name", ErrInputRejected)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(AllowedExtensions, ext) {
		return fmt.Errorf("%w: unsupported file type %q; allowed: %s",
			ErrInputRejected, ext, strings.Join(AllowedExtensions, ", "))
	}
	return nil
}

// DecodeTranscript validates name and turns raw file bytes into NFC text.
// A UTF-8 or UTF-16 byte order mark selects the encoding; without one the
// bytes are read as UTF-8. Invalid sequences become U+FFFD.
func DecodeTranscript(name string, data []byte) (string, error) {
	if err := CheckFilename(name); err != nil {
		return "", err
	}
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", fmt.Errorf("%w: decode %q: %v", ErrInputRejected, name, err)
	}
	return norm.NFC.String(string(out)), nil
}
