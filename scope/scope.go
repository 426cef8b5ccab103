// Package scope implements the space-delimited scope codec used throughout
// the authorization server. Scopes are sets of opaque tokens; the wire
// representation is a single space-joined string. Parsing and formatting are
// pure functions applied at the storage boundary, and all in-memory logic
// operates on Set values.
package scope

import (
	"sort"
	"strings"
)

// Reserved identity tokens that bypass resource lookup during scope
// resolution.
const (
	TokenID    = "id"
	TokenEmail = "email"
)

// Set is an unordered collection of scope tokens.
type Set map[string]struct{}

// Parse splits a space-delimited scope string into a Set. Empty and
// whitespace-only strings parse to an empty set; repeated tokens collapse.
func Parse(s string) Set {
	set := make(Set)
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// New builds a Set from individual tokens, skipping empty strings.
func New(tokens ...string) Set {
	set := make(Set, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

// Format serializes the set as a space-joined string with tokens in sorted
// order, so equal sets always format identically.
func (s Set) Format() string {
	return strings.Join(s.Tokens(), " ")
}

// Tokens returns the set's members sorted lexicographically.
func (s Set) Tokens() []string {
	tokens := make([]string, 0, len(s))
	for tok := range s {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

// Contains reports whether tok is a member of the set.
func (s Set) Contains(tok string) bool {
	_, ok := s[tok]
	return ok
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool {
	return len(s) == 0
}

// Union returns a new set holding every token present in either set. Merging
// a set into itself yields an equal set.
func (s Set) Union(other Set) Set {
	merged := make(Set, len(s)+len(other))
	for tok := range s {
		merged[tok] = struct{}{}
	}
	for tok := range other {
		merged[tok] = struct{}{}
	}
	return merged
}

// IsSubset reports whether every token in s is present in other.
func (s Set) IsSubset(other Set) bool {
	for tok := range s {
		if _, ok := other[tok]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold exactly the same tokens.
func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.IsSubset(other)
}
