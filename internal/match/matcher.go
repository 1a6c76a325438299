// Package match implements exact-token keyword matching over chat text.
// A vocabulary term matches only when it appears as a whole token:
// "cat" matches "I have a cat" but never "category".
package match

import (
	"strings"
	"unicode"
)

// Matcher holds a normalized vocabulary and answers which terms appear
// as whole tokens in a text. It is immutable after construction and safe
// for concurrent use.
type Matcher struct {
	vocab map[string]string // normalized form -> original term
}

// New builds a Matcher from the vocabulary. Terms are case-folded;
// empty and duplicate terms are dropped.
func New(vocabulary []string) *Matcher {
	vocab := make(map[string]string, len(vocabulary))
	for _, term := range vocabulary {
		norm := normalize(term)
		if norm == "" {
			continue
		}
		if _, ok := vocab[norm]; !ok {
			vocab[norm] = term
		}
	}
	return &Matcher{vocab: vocab}
}

// Len returns the number of distinct vocabulary terms.
func (m *Matcher) Len() int { return len(m.vocab) }

// Match returns the vocabulary terms present in text as whole tokens,
// in their original spelling, deduplicated, in first-occurrence order.
// An empty vocabulary or empty text yields nil.
func (m *Matcher) Match(text string) []string {
	if len(m.vocab) == 0 || text == "" {
		return nil
	}

	var (
		matched []string
		seen    map[string]struct{}
	)

	for _, tok := range Tokenize(text) {
		term, ok := m.vocab[tok]
		if !ok {
			continue
		}
		if seen == nil {
			seen = make(map[string]struct{})
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		matched = append(matched, term)
	}
	return matched
}

// Tokenize splits text into case-folded tokens on Unicode word
// boundaries. A token is a maximal run of letters, digits, and marks
// (marks keep combining characters attached in scripts that use them);
// everything else, punctuation included, separates tokens.
func Tokenize(text string) []string {
	norm := strings.ToLower(text)
	return strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
	})
}

// normalize case-folds a vocabulary term and rejects terms that do not
// form exactly one token (multi-word terms cannot match whole tokens).
func normalize(term string) string {
	toks := Tokenize(term)
	if len(toks) != 1 {
		return ""
	}
	return toks[0]
}
