// Package sanitize cleans relayed text before it reaches a room:
// markup is stripped and censored words are masked. Output is
// deterministic and idempotent, so re-sanitizing a sanitized message
// is harmless.
package sanitize

import (
	"html"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/microcosm-cc/bluemonday"
)

const maskChar = '*'

type Sanitizer struct {
	policy  *bluemonday.Policy
	matcher *goahocorasick.Machine
}

// New builds a sanitizer with a strict no-markup policy and an
// Aho-Corasick automaton over the normalized censored word list.
// An empty word list disables masking.
func New(censoredWords []string) (*Sanitizer, error) {
	s := &Sanitizer{
		policy: bluemonday.StrictPolicy(),
	}
	if len(censoredWords) == 0 {
		return s, nil
	}

	patterns := make([][]rune, 0, len(censoredWords))
	for _, word := range censoredWords {
		if norm, _ := normalize(word); len(norm) > 0 {
			patterns = append(patterns, norm)
		}
	}
	if len(patterns) == 0 {
		return s, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	s.matcher = m
	return s, nil
}

// unescapeRounds caps entity decoding; nesting deeper than this is
// not worth chasing, leftovers are plain text to the policy anyway.
const unescapeRounds = 8

// Sanitize strips markup from raw, then masks censored words in place,
// preserving the surrounding spacing and punctuation. Entities are
// decoded to a fixed point first, so encoded markup is live when the
// policy sees it and cannot survive as deliverable tags.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	for i := 0; i < unescapeRounds; i++ {
		decoded := html.UnescapeString(raw)
		if decoded == raw {
			break
		}
		raw = decoded
	}
	clean := html.UnescapeString(s.policy.Sanitize(raw))
	if s.matcher == nil {
		return clean, nil
	}
	return s.mask(clean), nil
}

func (s *Sanitizer) mask(text string) string {
	norm, origIdx := normalize(text)
	if len(norm) == 0 {
		return text
	}

	spans := s.matcher.MultiPatternSearch(norm, false)
	if len(spans) == 0 {
		return text
	}

	runes := []rune(text)
	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(origIdx) {
			continue
		}
		// mask the whole original extent of the match, noise included
		for i := origIdx[start]; i <= origIdx[end-1]; i++ {
			runes[i] = maskChar
		}
	}
	return string(runes)
}

// normalize lowercases, folds leet substitutions and drops noise
// runes, keeping a mapping from normalized positions back to the
// original rune positions.
func normalize(text string) ([]rune, []int) {
	var (
		norm    = make([]rune, 0, len(text))
		origIdx = make([]int, 0, len(text))
	)
	for i, r := range []rune(text) {
		r = foldLeet(r)
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			continue
		}
		norm = append(norm, unicode.ToLower(r))
		origIdx = append(origIdx, i)
	}
	return norm, origIdx
}

func foldLeet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	}
	return r
}

// ParseWordList splits a comma-separated censored word list, trimming
// blanks.
func ParseWordList(raw string) []string {
	var words []string
	for _, w := range strings.Split(raw, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}
