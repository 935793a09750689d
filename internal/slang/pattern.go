package slang

import (
	"regexp"
	"sort"
	"strings"

	"github.com/loqalabs/jerga/internal/dictionary"
)

// Class is the morphological treatment a term receives.
type Class int

const (
	// Literal terms match themselves and their phonetic variants.
	Literal Class = iota
	// Verb terms are borrowed -ear verbs matched across the regular
	// first-conjugation paradigm.
	Verb
	// Gendered terms are -o nouns and adjectives matched in o/a/os/as.
	Gendered
)

func (c Class) String() string {
	switch c {
	case Verb:
		return "verb"
	case Gendered:
		return "gendered"
	default:
		return "literal"
	}
}

// verbSuffixes is the regular -ar paradigm as seen from an -ear stem.
var verbSuffixes = []string{
	// infinitive
	"ear",
	// present indicative: yo, tú, vos, él, nosotros, ellos
	"eo", "eas", "eás", "ea", "eamos", "ean",
	// preterite
	"eé", "easte", "eó", "earon",
	// imperfect
	"eaba", "eabas", "eábamos", "eaban",
	// gerund
	"eando",
	// past participle
	"eado", "eada", "eados", "eadas",
	// present subjunctive
	"ee", "ees", "eemos", "een",
}

// trailingBoundary stands in for a look-ahead: RE2 has none, and its \b only
// knows ASCII word characters, which would reject "gosteó".
const trailingBoundary = `(?:[^\p{L}\p{M}\p{N}_]|$)`

// Pattern is the compiled matcher for one dictionary entry.
type Pattern struct {
	Term       string
	Definition string
	Generation dictionary.Generation
	Class      Class

	re *regexp.Regexp
}

// Expr returns the regular expression behind the pattern.
func (p Pattern) Expr() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}

// Compile classifies e.Term and builds its whole-word pattern. Terms are
// expected to come from the dictionary loader, so no validation happens here.
func Compile(e dictionary.Entry) Pattern {
	term := e.Term
	variants := Variants(term)

	var class Class
	var core string
	switch {
	case strings.HasSuffix(term, "ear") && len(term) > 3:
		class = Verb
		stems := []string{strings.TrimSuffix(term, "ear")}
		for _, v := range variants {
			if strings.HasSuffix(v, "ear") {
				stems = append(stems, strings.TrimSuffix(v, "ear"))
			}
		}
		core = alternation(longestFirst(stems)) + alternation(verbSuffixes)
	case strings.HasSuffix(term, "o") && len(term) > 4:
		class = Gendered
		core = regexp.QuoteMeta(strings.TrimSuffix(term, "o")) + "(?:os|as|o|a)"
	default:
		class = Literal
		core = alternation(longestFirst(append([]string{term}, variants...)))
	}

	return Pattern{
		Term:       term,
		Definition: e.Definition,
		Generation: e.Generation,
		Class:      class,
		re:         regexp.MustCompile(`^(` + core + `)` + trailingBoundary),
	}
}

// longestFirst dedups forms and orders them by descending length, breaking
// ties lexicographically.
func longestFirst(forms []string) []string {
	seen := make(map[string]struct{}, len(forms))
	out := make([]string, 0, len(forms))
	for _, f := range forms {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func alternation(forms []string) string {
	quoted := make([]string, len(forms))
	for i, f := range forms {
		quoted[i] = regexp.QuoteMeta(f)
	}
	return "(?:" + strings.Join(quoted, "|") + ")"
}
