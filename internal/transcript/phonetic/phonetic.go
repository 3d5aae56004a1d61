// Package phonetic repairs persona names that speech-to-text misheard.
//
// Candidates say things like "the arc a tech" when they mean "The Architect".
// A [Matcher] scores a phrase against each known name in two steps:
//
//  1. Double Metaphone codes are computed for every token of the phrase and
//     of the name. A name whose codes overlap the phrase's is a phonetic
//     candidate and only needs to clear the phonetic threshold.
//  2. Names without phonetic overlap must clear the stricter fuzzy threshold
//     on Jaro-Winkler similarity alone.
//
// [Matcher.Correct] slides windows over a transcript and replaces the ones
// that match. Only windows of two or more tokens are considered, so ordinary
// single words ("the", "debug") are never rewritten.
package phonetic

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	maxLengthSkew = 0.2

	// minWindow is the smallest token window Correct rewrites.
	minWindow = 2
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a name that
// shares a phonetic code with the phrase. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a name without
// phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher matches spoken phrases against persona names. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Replacement records one rewritten window.
type Replacement struct {
	// Heard is the window as transcribed.
	Heard string

	// Name is the persona name it was replaced with.
	Name string

	// Score is the Jaro-Winkler similarity that accepted the match.
	Score float64
}

// Match returns the name most similar to phrase. When matched is false, name
// is empty and score is 0.
func (m *Matcher) Match(phrase string, names []string) (name string, score float64, matched bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || len(names) == 0 {
		return "", 0, false
	}
	tokens := strings.Fields(phrase)
	codes := codesFor(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		nameTokens := strings.Fields(lower)
		if !comparableLength(tokens, nameTokens) {
			continue
		}
		s := similarity(tokens, nameTokens)
		if overlaps(codes, codesFor(nameTokens)) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = n, s, true
			}
			continue
		}
		if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = n, s
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// Correct rewrites every window of text that matches one of names and
// returns the new text plus the replacements made. Longer windows win over
// shorter ones starting at the same token. Text is returned unchanged when
// nothing matches.
func (m *Matcher) Correct(text string, names []string) (string, []Replacement) {
	tokens := strings.Fields(text)
	widest := 0
	for _, n := range names {
		widest = max(widest, len(strings.Fields(n)))
	}
	// Spoken names may split one written token into two ("arc a tech").
	widest++
	if len(tokens) < minWindow || widest <= minWindow-1 {
		return text, nil
	}

	var (
		out  []string
		reps []Replacement
	)
	for i := 0; i < len(tokens); {
		hit := false
		for w := min(widest, len(tokens)-i); w >= minWindow; w-- {
			heard := strings.Join(tokens[i:i+w], " ")
			name, score, ok := m.Match(trimPunct(heard), names)
			if !ok {
				continue
			}
			out = append(out, name+trailingPunct(tokens[i+w-1]))
			reps = append(reps, Replacement{Heard: heard, Name: name, Score: score})
			i += w
			hit = true
			break
		}
		if !hit {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(reps) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), reps
}

// similarity is the best Jaro-Winkler score over the full phrase, the
// phrase with spaces removed, and the token-aligned average.
func similarity(phrase, name []string) float64 {
	full := matchr.JaroWinkler(strings.Join(phrase, " "), strings.Join(name, " "), false)
	joined := matchr.JaroWinkler(strings.Join(phrase, ""), strings.Join(name, ""), false)
	score := max(full, joined)
	if len(phrase) == len(name) {
		var sum float64
		for i := range phrase {
			sum += matchr.JaroWinkler(phrase[i], name[i], false)
		}
		score = max(score, sum/float64(len(phrase)))
	}
	return score
}

// comparableLength rejects phrases whose letters differ in count from the
// name's by more than maxLengthSkew, so "the architecture" never becomes
// "The Architect".
func comparableLength(phrase, name []string) bool {
	a, b := len(strings.Join(phrase, "")), len(strings.Join(name, ""))
	if a == 0 || b == 0 {
		return false
	}
	return math.Abs(float64(a-b))/float64(b) <= maxLengthSkew
}

// codesFor returns the union of Double Metaphone codes of tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// overlaps reports whether a and b share a code. Codes of throwaway words
// such as "the" are ignored so they alone never make a candidate.
func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, stop := stopCodes[c]; stop {
			continue
		}
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// stopCodes are the metaphone codes of articles ("the" → "0"/"T", "a" → "A").
var stopCodes = map[string]struct{}{"0": {}, "T": {}, "A": {}}

func trimPunct(s string) string {
	return strings.TrimRight(s, ".,!?;:")
}

func trailingPunct(token string) string {
	return token[len(trimPunct(token)):]
}
