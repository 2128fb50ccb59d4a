package entity

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validate checks a set of characters for structural problems.
//
// Rules:
//   - Name must be non-empty and unique.
//   - Aliases must be non-empty and contain no blank entries.
//   - No alias may belong to two different characters. Short aliases are
//     compared case-insensitively since they are matched that way.
//
// All problems are reported together; the result wraps [ErrInvalidDictionary].
func Validate(chars []Character) error {
	var errs []error

	names := make(map[string]bool, len(chars))
	owners := make(map[string]string)
	for i, c := range chars {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("character[%d]: name must not be empty", i))
			continue
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("character %q: duplicate name", name))
		}
		names[name] = true

		if len(c.Aliases) == 0 {
			errs = append(errs, fmt.Errorf("character %q: alias list must not be empty", name))
		}
		for j, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" {
				errs = append(errs, fmt.Errorf("character %q: alias[%d] must not be blank", name, j))
				continue
			}
			key := a
			if utf8.RuneCountInString(a) <= ShortAliasMaxLen {
				key = strings.ToLower(a)
			}
			if prev, ok := owners[key]; ok && prev != name {
				errs = append(errs, fmt.Errorf("alias %q claimed by both %q and %q", a, prev, name))
				continue
			}
			owners[key] = name
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDictionary, errors.Join(errs...))
}
