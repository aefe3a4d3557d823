package command

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMatchThreshold    = 0.80
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phrase word
// whose Double Metaphone codes overlap a transcript word. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a phrase word
// without phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// WithMatchThreshold sets the minimum mean word score for a phrase to match.
// Default: 0.80.
func WithMatchThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.matchThreshold = threshold }
}

// Matcher maps recognized text onto catalog commands using Double Metaphone
// codes and Jaro-Winkler similarity.
//
// Every word of a trigger phrase must be found in the transcript: a
// transcript word qualifies when it shares a phonetic code with the phrase
// word and scores at least the phonetic threshold, or scores at least the
// fuzzy threshold on spelling alone. The phrase score is the mean of the best
// per-word scores; the highest-scoring phrase above the match threshold wins,
// with longer phrases breaking ties.
//
// The Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	matchThreshold    float64
	phrases           []phrase
}

type phrase struct {
	id     ID
	tokens []string
	codes  []map[string]struct{}
}

// NewMatcher returns a Matcher over catalog.
func NewMatcher(catalog []Entry, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		matchThreshold:    defaultMatchThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, e := range catalog {
		for _, p := range e.Phrases {
			tokens := strings.Fields(strings.ToLower(p))
			if len(tokens) == 0 {
				continue
			}
			codes := make([]map[string]struct{}, len(tokens))
			for i, t := range tokens {
				codes[i] = codesFor(t)
			}
			m.phrases = append(m.phrases, phrase{id: e.ID, tokens: tokens, codes: codes})
		}
	}
	return m
}

// Match returns the command best matching text.
func (m *Matcher) Match(text string) (id ID, confidence float64, matched bool) {
	words := tokenize(text)
	if len(words) == 0 {
		return 0, 0, false
	}
	wordCodes := make([]map[string]struct{}, len(words))
	for i, w := range words {
		wordCodes[i] = codesFor(w)
	}

	bestLen := 0
	for _, p := range m.phrases {
		score, ok := m.scorePhrase(p, words, wordCodes)
		if !ok || score < m.matchThreshold {
			continue
		}
		if !matched || score > confidence || (score == confidence && len(p.tokens) > bestLen) {
			id, confidence, matched, bestLen = p.id, score, true, len(p.tokens)
		}
	}
	return id, confidence, matched
}

func (m *Matcher) scorePhrase(p phrase, words []string, wordCodes []map[string]struct{}) (float64, bool) {
	var total float64
	for i, pt := range p.tokens {
		best := 0.0
		for j, w := range words {
			s := matchr.JaroWinkler(pt, w, false)
			switch {
			case codesOverlap(p.codes[i], wordCodes[j]) && s >= m.phoneticThreshold:
			case s >= m.fuzzyThreshold:
			default:
				continue
			}
			best = max(best, s)
		}
		if best == 0 {
			return 0, false
		}
		total += best
	}
	return total / float64(len(p.tokens)), true
}

// tokenize lower-cases text and splits it into words, dropping punctuation.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r > 127)
	})
}

// codesFor returns the non-empty Double Metaphone codes of word.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
