package entity

import (
	"maps"
	"slices"
	"strings"
	"unicode/utf8"
)

// Dictionary is the immutable alias vocabulary for one process.
// All methods are safe for concurrent use.
type Dictionary struct {
	chars []Character

	// long maps aliases longer than ShortAliasMaxLen, and canonical names of
	// that length, to their canonical name. Case-sensitive.
	long map[string]string

	// fuzzyKeys are the configured long aliases. Canonical names are not
	// fuzzy candidates.
	fuzzyKeys []string

	// short maps lower-cased short aliases to their canonical name.
	short map[string]string

	// aliases maps every configured alias, in its configured casing, to its
	// canonical name.
	aliases map[string]string

	protected map[string]struct{}
}

// New validates chars and builds a Dictionary. protected extends the built-in
// protected-word set; entries are matched case-insensitively.
func New(chars []Character, protected []string) (*Dictionary, error) {
	if err := Validate(chars); err != nil {
		return nil, err
	}

	d := &Dictionary{
		chars:     make([]Character, 0, len(chars)),
		long:      make(map[string]string),
		short:     make(map[string]string),
		aliases:   make(map[string]string),
		protected: make(map[string]struct{}, len(builtinProtected)+len(protected)),
	}

	for _, c := range chars {
		c.Name = strings.TrimSpace(c.Name)
		aliases := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			aliases = append(aliases, a)
			d.aliases[a] = c.Name
			if utf8.RuneCountInString(a) <= ShortAliasMaxLen {
				d.short[strings.ToLower(a)] = c.Name
			} else {
				d.long[a] = c.Name
				d.fuzzyKeys = append(d.fuzzyKeys, a)
			}
		}
		c.Aliases = aliases
		d.chars = append(d.chars, c)
	}

	// Canonical names resolve to themselves so that normalised text is stable
	// under a second pass. Explicit aliases win over this self-mapping.
	for _, c := range d.chars {
		if utf8.RuneCountInString(c.Name) <= ShortAliasMaxLen {
			if _, taken := d.short[strings.ToLower(c.Name)]; !taken {
				d.short[strings.ToLower(c.Name)] = c.Name
			}
			continue
		}
		if _, taken := d.long[c.Name]; !taken {
			d.long[c.Name] = c.Name
		}
	}

	slices.SortFunc(d.chars, func(a, b Character) int { return strings.Compare(a.Name, b.Name) })
	slices.Sort(d.fuzzyKeys)
	d.fuzzyKeys = slices.Compact(d.fuzzyKeys)

	for _, w := range builtinProtected {
		d.protected[w] = struct{}{}
	}
	for _, w := range protected {
		if w = strings.TrimSpace(w); w != "" {
			d.protected[strings.ToLower(w)] = struct{}{}
		}
	}
	return d, nil
}

// Characters returns all characters sorted by canonical name.
func (d *Dictionary) Characters() []Character {
	out := make([]Character, len(d.chars))
	for i, c := range d.chars {
		c.Aliases = slices.Clone(c.Aliases)
		out[i] = c
	}
	return out
}

// Names returns the canonical names sorted alphabetically.
func (d *Dictionary) Names() []string {
	out := make([]string, len(d.chars))
	for i, c := range d.chars {
		out[i] = c.Name
	}
	return out
}

// IsCanonical reports whether name is a canonical character name.
func (d *Dictionary) IsCanonical(name string) bool {
	_, ok := slices.BinarySearchFunc(d.chars, name, func(c Character, n string) int {
		return strings.Compare(c.Name, n)
	})
	return ok
}

// Canonical resolves a long alias, matched exactly, to its canonical name.
func (d *Dictionary) Canonical(alias string) (string, bool) {
	name, ok := d.long[alias]
	return name, ok
}

// LongAliases returns the configured long aliases in sorted order. These are
// the fuzzy-match candidates; canonical names resolve only through
// [Dictionary.Canonical] and [Dictionary.IsCanonical].
func (d *Dictionary) LongAliases() []string {
	return slices.Clone(d.fuzzyKeys)
}

// IsShortAlias reports whether token is a registered short alias, ignoring case.
func (d *Dictionary) IsShortAlias(token string) bool {
	_, ok := d.short[strings.ToLower(token)]
	return ok
}

// ResolveShort resolves a short alias, ignoring case.
func (d *Dictionary) ResolveShort(token string) (string, bool) {
	name, ok := d.short[strings.ToLower(token)]
	return name, ok
}

// Aliases returns a copy of the configured alias to canonical-name mapping,
// short and long aliases alike, in their configured casing.
func (d *Dictionary) Aliases() map[string]string {
	return maps.Clone(d.aliases)
}

// IsProtected reports whether token must never be rewritten.
func (d *Dictionary) IsProtected(token string) bool {
	_, ok := d.protected[strings.ToLower(token)]
	return ok
}

// Hints is the character context handed to extraction prompts.
type Hints struct {
	// Aliases maps canonical names to their aliases.
	Aliases map[string][]string `json:"aliases"`

	// Pronouns maps canonical names to pronouns, for characters that have them.
	Pronouns map[string]string `json:"pronouns"`
}

// Hints returns the alias and pronoun context for all characters.
func (d *Dictionary) Hints() Hints {
	h := Hints{
		Aliases:  make(map[string][]string, len(d.chars)),
		Pronouns: make(map[string]string),
	}
	for _, c := range d.chars {
		h.Aliases[c.Name] = slices.Clone(c.Aliases)
		if c.Pronouns != "" {
			h.Pronouns[c.Name] = c.Pronouns
		}
	}
	return h
}
