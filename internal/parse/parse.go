// Package parse turns language-model output into structured values.
//
// Models asked for JSON often wrap it in a Markdown code fence or return
// nothing at all. The fallback chain is fixed: decode the raw text, then
// strip a surrounding fence and decode again, then fail with a
// [*MalformedOutputError] that carries a snippet of what was received.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SnippetRunes is the number of runes of raw output kept in errors.
const SnippetRunes = 300

// ErrMalformedOutput is matched by every [*MalformedOutputError].
var ErrMalformedOutput = errors.New("parse: malformed model output")

// MalformedOutputError reports output that could not be decoded.
type MalformedOutputError struct {
	// Snippet holds the first [SnippetRunes] runes of the raw output.
	Snippet string

	// Err is the last decode error, or nil for empty output.
	Err error
}

func (e *MalformedOutputError) Error() string {
	if e.Err == nil {
		return "parse: empty model output"
	}
	return fmt.Sprintf("parse: model did not return valid JSON: %v; received: %q", e.Err, e.Snippet)
}

// Is reports whether target is [ErrMalformedOutput].
func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// Parse decodes raw into a generic JSON value (map[string]any, []any, ...).
func Parse(raw string) (any, error) {
	return Decode[any](raw)
}

// Decode decodes raw into a T using the fallback chain.
func Decode[T any](raw string) (T, error) {
	var v T
	if strings.TrimSpace(raw) == "" {
		return v, &MalformedOutputError{}
	}

	err := json.Unmarshal([]byte(raw), &v)
	if err == nil {
		return v, nil
	}

	if body, ok := StripFence(raw); ok {
		var fenced T
		if err = json.Unmarshal([]byte(body), &fenced); err == nil {
			return fenced, nil
		}
	}
	return v, &MalformedOutputError{Snippet: snippet(raw), Err: err}
}

// StripFence removes a surrounding Markdown code fence with an optional
// language tag. It reports false, and returns the trimmed input, when s does
// not start with a fence.
func StripFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	body, ok := strings.CutPrefix(s, "```")
	if !ok {
		return s, false
	}
	// A language tag is only a tag when whitespace follows it; "```true```"
	// is a fenced literal.
	if rest := strings.TrimLeftFunc(body, isTagRune); rest != body && startsWithSpace(rest) {
		body = rest
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body), true
}

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '+'
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func snippet(s string) string {
	n := 0
	for i := range s {
		if n == SnippetRunes {
			return s[:i]
		}
		n++
	}
	return s
}
