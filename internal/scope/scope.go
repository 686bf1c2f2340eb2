// Package scope holds the set of named sub-resources a lock request touches.
package scope

import (
	"slices"
	"strings"
)

// Set is an immutable set of scope tokens kept in sorted order.
// The zero value is the empty set.
type Set struct {
	tokens []string
}

// New builds a Set from caller-supplied tokens. Duplicates are dropped.
func New(tokens ...string) Set {
	if len(tokens) == 0 {
		return Set{}
	}
	sorted := slices.Clone(tokens)
	slices.Sort(sorted)
	return Set{tokens: slices.Compact(sorted)}
}

// Len returns the number of distinct tokens.
func (s Set) Len() int { return len(s.tokens) }

// Empty reports whether the set has no tokens.
func (s Set) Empty() bool { return len(s.tokens) == 0 }

// Contains reports whether tok is a member of the set.
func (s Set) Contains(tok string) bool {
	_, found := slices.BinarySearch(s.tokens, tok)
	return found
}

// Tokens returns a copy of the tokens in sorted order.
func (s Set) Tokens() []string {
	return slices.Clone(s.tokens)
}

// Each calls fn for every token in sorted order.
func (s Set) Each(fn func(tok string)) {
	for _, t := range s.tokens {
		fn(t)
	}
}

func (s Set) String() string {
	return "{" + strings.Join(s.tokens, ",") + "}"
}

// Intersects reports whether a and b share at least one token.
// Both sets are sorted, so disjoint ranges are rejected up front and the
// rest is a linear merge.
func Intersects(a, b Set) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	if a.tokens[len(a.tokens)-1] < b.tokens[0] || b.tokens[len(b.tokens)-1] < a.tokens[0] {
		return false
	}
	i, j := 0, 0
	for i < len(a.tokens) && j < len(b.tokens) {
		switch strings.Compare(a.tokens[i], b.tokens[j]) {
		case 0:
			return true
		case -1:
			i++
		default:
			j++
		}
	}
	return false
}

// Union returns the tokens present in either set.
func Union(a, b Set) Set {
	switch {
	case a.Empty():
		return b
	case b.Empty():
		return a
	}
	out := make([]string, 0, len(a.tokens)+len(b.tokens))
	i, j := 0, 0
	for i < len(a.tokens) && j < len(b.tokens) {
		switch strings.Compare(a.tokens[i], b.tokens[j]) {
		case 0:
			out = append(out, a.tokens[i])
			i++
			j++
		case -1:
			out = append(out, a.tokens[i])
			i++
		default:
			out = append(out, b.tokens[j])
			j++
		}
	}
	out = append(out, a.tokens[i:]...)
	out = append(out, b.tokens[j:]...)
	return Set{tokens: out}
}
