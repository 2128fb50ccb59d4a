// Package entity provides the character dictionary that anchors transcript
// normalisation.
//
// A [Dictionary] maps every known alias of a player character to its
// canonical name and carries the set of protected words that no normaliser
// may rewrite. It is built once at start-up from a JSON or YAML file
// ([Load], [LoadFromReader]) or programmatically ([New]) and is immutable
// afterwards, so a single instance can be shared by any number of concurrent
// pipeline runs.
package entity

import "errors"

// ErrInvalidDictionary is wrapped by every error caused by malformed character
// configuration. There is no degraded mode: callers should treat it as fatal.
var ErrInvalidDictionary = errors.New("entity: invalid character dictionary")

// ShortAliasMaxLen is the longest alias, in runes, that is matched exactly
// instead of fuzzily.
const ShortAliasMaxLen = 3

// Character is a canonical player or non-player character identity.
type Character struct {
	// Name is the canonical spelling every alias resolves to. Unique within a
	// dictionary.
	Name string `yaml:"-" json:"-"`

	// Aliases lists the spellings, nicknames and real names that refer to
	// this character in raw transcripts. Must be non-empty.
	Aliases []string `yaml:"aliases" json:"aliases"`

	// Pronouns is optional free text such as "she/her".
	Pronouns string `yaml:"pronouns,omitempty" json:"pronouns,omitempty"`
}

// File is the on-disk layout of a character dictionary.
//
// Example (YAML):
//
//	characters:
//	  Graak:
//	    aliases: ["J", "Jay", "Jason"]
//	    pronouns: he/him
//	  Bahl:
//	    aliases: ["Nicky", "Nick"]
//	protected_words: ["Alkesh", "Al'kesh"]
type File struct {
	Characters     map[string]Character `yaml:"characters" json:"characters"`
	ProtectedWords []string             `yaml:"protected_words,omitempty" json:"protected_words,omitempty"`
}

// builtinProtected are common nouns from the campaign that the fuzzy matcher
// has historically mistaken for names. Stored lower-cased.
var builtinProtected = []string{
	"alkesh", "larry",
	"scorpion", "hyenas", "beetles",
	"ruins", "desert", "tomb",
	"trapdoor", "infant", "mummy", "banners",
}
