package slang

import (
	"sort"
	"strings"
)

const consonants = "bcdfghjklmnpqrstvwxyz"

// Variants returns the spellings a Spanish-language recognizer is likely to
// emit for term instead of term itself. term must already be folded. The
// result is sorted and never contains term.
//
//   - s+stop onsets gain a prosthetic e: stalkear -> estalkear
//   - gh is heard as g or j: ghostear -> gostear, jostear
//   - doubled consonants collapse: shippear -> shipear
//   - a leading sh becomes ch, on the term and on its collapsed form
func Variants(term string) []string {
	seen := make(map[string]struct{})
	add := func(v string) { seen[v] = struct{}{} }

	if len(term) >= 2 && term[0] == 's' && strings.IndexByte("tpck", term[1]) >= 0 {
		add("e" + term)
	}

	if strings.Contains(term, "gh") {
		add(strings.ReplaceAll(term, "gh", "g"))
		add(strings.ReplaceAll(term, "gh", "j"))
	}

	reduced := reduceGeminates(term)
	if reduced != term {
		add(reduced)
	}

	if strings.HasPrefix(term, "sh") {
		add("ch" + term[2:])
	}
	if reduced != term && strings.HasPrefix(reduced, "sh") {
		add("ch" + reduced[2:])
	}

	delete(seen, term)
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// reduceGeminates collapses pairs of the same consonant, left to right and
// without overlap, so "sss" becomes "ss".
func reduceGeminates(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if i+1 < len(s) && s[i] == s[i+1] && strings.IndexByte(consonants, s[i]) >= 0 {
			i++
		}
	}
	return b.String()
}
