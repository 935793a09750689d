// Package slang compiles dictionary entries into whole-word patterns that
// tolerate Spanish-accented mis-transcriptions and verb conjugation, and
// scans transcripts against them.
package slang

import (
	"fmt"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/jerga/internal/dictionary"
)

// DuplicatePolicy decides what happens to entries that share a term.
type DuplicatePolicy int

const (
	// KeepAll compiles one pattern per entry, so a term defined in two
	// generations yields two matches for the same span.
	KeepAll DuplicatePolicy = iota
	// LastWins keeps only the last loaded entry for a term, at the position
	// of the term's first appearance.
	LastWins
)

// ParseDuplicatePolicy maps the config spelling to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "keep_all":
		return KeepAll, nil
	case "last_wins":
		return LastWins, nil
	default:
		return KeepAll, fmt.Errorf("unknown duplicate policy %q", s)
	}
}

type buildOptions struct {
	policy DuplicatePolicy
}

// BuildOption tunes Build.
type BuildOption func(*buildOptions)

// WithDuplicatePolicy overrides the default KeepAll policy.
func WithDuplicatePolicy(p DuplicatePolicy) BuildOption {
	return func(o *buildOptions) { o.policy = p }
}

// Match is one flagged occurrence. Start and End are an exclusive rune range
// into the folded text.
type Match struct {
	Term       string                `json:"term"`
	Definition string                `json:"definition"`
	Generation dictionary.Generation `json:"generation"`
	Start      int                   `json:"start"`
	End        int                   `json:"end"`
	Surface    string                `json:"surface"`
}

// Set is an immutable, ordered collection of compiled patterns. It is safe
// for concurrent use. Each pattern is evaluated over the whole text, so a scan
// costs patterns x text length; that is fine for dictionaries of a few
// hundred terms.
type Set struct {
	patterns []Pattern
}

// Build compiles entries in order.
func Build(entries []dictionary.Entry, opts ...BuildOption) *Set {
	o := buildOptions{policy: KeepAll}
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy == LastWins {
		entries = collapse(entries)
	}

	patterns := make([]Pattern, 0, len(entries))
	for _, e := range entries {
		patterns = append(patterns, Compile(e))
	}
	return &Set{patterns: patterns}
}

func collapse(entries []dictionary.Entry) []dictionary.Entry {
	index := make(map[string]int, len(entries))
	out := make([]dictionary.Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.Term]; ok {
			out[i] = e
			continue
		}
		index[e.Term] = len(out)
		out = append(out, e)
	}
	return out
}

// Len reports the number of compiled patterns.
func (s *Set) Len() int { return len(s.patterns) }

// Patterns returns a copy of the compiled patterns in compile order.
func (s *Set) Patterns() []Pattern {
	return append([]Pattern(nil), s.patterns...)
}

// Generations counts patterns per generation.
func (s *Set) Generations() map[dictionary.Generation]int {
	counts := make(map[dictionary.Generation]int)
	for _, p := range s.patterns {
		counts[p.Generation]++
	}
	return counts
}

// Scan folds text once and returns every match ordered by start offset, ties
// resolved by compile order. Matches of one pattern never overlap each other;
// matches of different patterns may.
func (s *Set) Scan(text string) []Match {
	folded := dictionary.Fold(text)
	matches := make([]Match, 0)
	if folded == "" {
		return matches
	}

	var runeAt []int
	for _, p := range s.patterns {
		spans := p.find(folded)
		if len(spans) == 0 {
			continue
		}
		if runeAt == nil {
			runeAt = runeOffsets(folded)
		}
		for _, sp := range spans {
			matches = append(matches, Match{
				Term:       p.Term,
				Definition: p.Definition,
				Generation: p.Generation,
				Start:      runeAt[sp[0]],
				End:        runeAt[sp[1]],
				Surface:    folded[sp[0]:sp[1]],
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// find returns the byte spans of non-overlapping whole-word matches. Only
// positions not preceded by a word rune are tried, which supplies the leading
// boundary; the compiled expression carries the trailing one.
func (p Pattern) find(text string) [][2]int {
	var spans [][2]int
	prevWord := false
	for pos := 0; pos < len(text); {
		r, size := utf8.DecodeRuneInString(text[pos:])
		if !prevWord {
			if loc := p.re.FindStringSubmatchIndex(text[pos:]); loc != nil && loc[3] > loc[2] {
				start, end := pos+loc[2], pos+loc[3]
				spans = append(spans, [2]int{start, end})
				last, _ := utf8.DecodeLastRuneInString(text[:end])
				prevWord = isWordRune(last)
				pos = end
				continue
			}
		}
		prevWord = isWordRune(r)
		pos += size
	}
	return spans
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.M, r)
}

// runeOffsets maps every byte offset that starts a rune, plus len(s), to its
// rune index.
func runeOffsets(s string) []int {
	idx := make([]int, len(s)+1)
	n := 0
	for i := range s {
		idx[i] = n
		n++
	}
	idx[len(s)] = n
	return idx
}

// Lazy defers building a Set until first use. Concurrent first callers share
// a single build; later calls return the same result without locking.
type Lazy struct {
	get func() (*Set, error)
}

// NewLazy wraps load. load runs at most once.
func NewLazy(load func() ([]dictionary.Entry, error), opts ...BuildOption) *Lazy {
	return &Lazy{get: sync.OnceValues(func() (*Set, error) {
		entries, err := load()
		if err != nil {
			return nil, err
		}
		return Build(entries, opts...), nil
	})}
}

// Get returns the built Set or the load error.
func (l *Lazy) Get() (*Set, error) {
	return l.get()
}
