package slang

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/jerga/internal/dictionary"
)

func sampleEntries() []dictionary.Entry {
	return []dictionary.Entry{
		{Term: "shipear", Definition: "to root for a romantic pairing", Generation: dictionary.GenZ},
		{Term: "ghostear", Definition: "to abruptly stop responding", Generation: dictionary.GenZ},
		{Term: "stalkear", Definition: "to snoop on someone's profile", Generation: dictionary.GenZ},
		{Term: "no cap", Definition: "for real", Generation: dictionary.GenZ},
		{Term: "bro", Definition: "term of address", Generation: dictionary.Millennial},
		{Term: "crush", Definition: "infatuation", Generation: dictionary.Millennial},
		{Term: "chido", Definition: "cool", Generation: dictionary.Regional},
		{Term: "chévere", Definition: "great", Generation: dictionary.Regional},
		{Term: "groovy", Definition: "excellent", Generation: dictionary.Boomer},
	}
}

func TestVariants(t *testing.T) {
	cases := []struct {
		term string
		want []string
	}{
		{"bro", nil},
		{"stalkear", []string{"estalkear"}},
		{"ghostear", []string{"gostear", "jostear"}},
		{"shipear", []string{"chipear"}},
		{"shippear", []string{"chipear", "chippear", "shipear"}},
		{"stripper", []string{"estripper", "striper"}},
		{"sss", []string{"ss"}},
		{"spam", []string{"espam"}},
		{"sur", nil},
	}
	for _, tc := range cases {
		got := Variants(tc.term)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Variants(%q) = %v, want %v", tc.term, got, tc.want)
		}
	}
}

func TestVariantsExcludeTerm(t *testing.T) {
	for _, term := range []string{"shh", "ghgh", "esto", "estalkear"} {
		for _, v := range Variants(term) {
			if v == term {
				t.Fatalf("Variants(%q) contains the term itself", term)
			}
		}
	}
}

func TestCompileClasses(t *testing.T) {
	cases := map[string]Class{
		"ghostear": Verb,
		"ear":      Literal,
		"chido":    Gendered,
		"pedo":     Literal,
		"bro":      Literal,
		"no cap":   Literal,
	}
	for term, want := range cases {
		p := Compile(dictionary.Entry{Term: term})
		if p.Class != want {
			t.Fatalf("Compile(%q).Class = %v, want %v", term, p.Class, want)
		}
		if p.Expr() == "" {
			t.Fatalf("Compile(%q) produced empty expression", term)
		}
	}
}

func TestVerbSuffixCount(t *testing.T) {
	if len(verbSuffixes) != 24 {
		t.Fatalf("expected 24 paradigm suffixes, got %d", len(verbSuffixes))
	}
	seen := map[string]bool{}
	for _, s := range verbSuffixes {
		if seen[s] {
			t.Fatalf("duplicate suffix %q", s)
		}
		seen[s] = true
	}
}

func TestVerbParadigmCoverage(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "ghostear", Definition: "x", Generation: dictionary.GenZ}})
	for _, stem := range []string{"ghost", "gost", "jost"} {
		for _, suffix := range verbSuffixes {
			form := stem + suffix
			matches := set.Scan("ayer " + form + " otra vez")
			if len(matches) != 1 || matches[0].Surface != form {
				t.Fatalf("expected %q to match once, got %+v", form, matches)
			}
		}
	}
}

func TestExactFormRecall(t *testing.T) {
	set := Build(sampleEntries())
	for _, e := range sampleEntries() {
		matches := set.Scan("x " + e.Term + " x")
		found := false
		for _, m := range matches {
			if m.Term == e.Term {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected match for %q, got %+v", e.Term, matches)
		}
	}
}

func TestWordBoundaryPrecision(t *testing.T) {
	set := Build(sampleEntries())
	cases := []string{
		"el brote salió ayer",
		"abro la puerta",
		"un stalker raro",
		"crushed it",
		"chidorito",
		"nocap",
		"bro_code",
		"bro2",
	}
	for _, text := range cases {
		if matches := set.Scan(text); len(matches) != 0 {
			t.Fatalf("expected no matches in %q, got %+v", text, matches)
		}
	}
}

func TestInflectedFormsMatch(t *testing.T) {
	set := Build(sampleEntries())
	cases := map[string]string{
		"qué chidas las fotos":      "chido",
		"son chidos":                "chido",
		"me estalkeaste":            "stalkear",
		"la estalkeó toda la noche": "stalkear",
		"estábamos stalkeando":      "stalkear",
	}
	for text, term := range cases {
		matches := set.Scan(text)
		if len(matches) != 1 || matches[0].Term != term {
			t.Fatalf("expected one %q match in %q, got %+v", term, text, matches)
		}
	}
}

func TestScenarioShipearSibilant(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "shipear", Definition: "to root for a romantic pairing", Generation: dictionary.GenZ}})
	matches := set.Scan("la gente chipea demasiado")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %+v", matches)
	}
	m := matches[0]
	if m.Term != "shipear" || m.Surface != "chipea" || m.Start != 9 || m.End != 15 {
		t.Fatalf("unexpected match %+v", m)
	}
	if m.Generation != dictionary.GenZ || m.Definition != "to root for a romantic pairing" {
		t.Fatalf("unexpected annotation %+v", m)
	}
}

func TestScenarioGhostearComposition(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "ghostear", Definition: "to abruptly stop responding", Generation: dictionary.GenZ}})
	matches := set.Scan("lo gosteó ayer")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %+v", matches)
	}
	if m := matches[0]; m.Term != "ghostear" || m.Surface != "gosteó" || m.Start != 3 || m.End != 9 {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestDecomposedAccentsAreComposedBeforeScanning(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "ghostear", Generation: dictionary.GenZ}})
	matches := set.Scan("LO GOSTE" + "O\u0301" + " AYER")
	if len(matches) != 1 || matches[0].Surface != "gosteó" {
		t.Fatalf("expected composed gosteó match, got %+v", matches)
	}
}

func TestScenarioLiteralShortTerm(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "bro", Definition: "term of address", Generation: dictionary.Millennial}})
	matches := set.Scan("ese bro llegó tarde")
	if len(matches) != 1 {
		t.Fatalf("expected exactly 1 match, got %+v", matches)
	}
	if m := matches[0]; m.Term != "bro" || m.Start != 4 || m.End != 7 {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestOffsetsCountRunes(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "bro", Generation: dictionary.Millennial}})
	matches := set.Scan("él gosteó a bro")
	if len(matches) != 1 || matches[0].Start != 12 || matches[0].End != 15 {
		t.Fatalf("unexpected offsets %+v", matches)
	}
}

func TestCrossCategoryDuplication(t *testing.T) {
	entries := []dictionary.Entry{
		{Term: "crush", Definition: "infatuation", Generation: dictionary.Millennial},
		{Term: "bro", Definition: "friend", Generation: dictionary.GenZ},
		{Term: "crush", Definition: "person you like", Generation: dictionary.GenZ},
	}
	matches := Build(entries).Scan("mi crush")
	if len(matches) != 2 {
		t.Fatalf("expected one match per generation, got %+v", matches)
	}
	if matches[0].Generation != dictionary.Millennial || matches[1].Generation != dictionary.GenZ {
		t.Fatalf("expected ties in compile order, got %+v", matches)
	}

	collapsed := Build(entries, WithDuplicatePolicy(LastWins))
	if collapsed.Len() != 2 {
		t.Fatalf("expected 2 patterns after collapse, got %d", collapsed.Len())
	}
	matches = collapsed.Scan("mi crush")
	if len(matches) != 1 || matches[0].Definition != "person you like" {
		t.Fatalf("expected last definition to win, got %+v", matches)
	}
	if collapsed.Patterns()[0].Term != "crush" {
		t.Fatalf("expected crush to keep its first position")
	}
}

func TestCaseInsensitivity(t *testing.T) {
	set := Build(sampleEntries())
	text := "mi bro me gosteó, no cap, qué chévere"
	lower := set.Scan(text)
	upper := set.Scan(strings.ToUpper(text))
	if len(lower) == 0 {
		t.Fatal("expected matches")
	}
	if !reflect.DeepEqual(lower, upper) {
		t.Fatalf("expected same matches, got %+v vs %+v", lower, upper)
	}
}

func TestOverlapsAcrossPatternsAndSortOrder(t *testing.T) {
	entries := append(sampleEntries(), dictionary.Entry{Term: "cap", Definition: "lie", Generation: dictionary.GenZ})
	set := Build(entries)
	matches := set.Scan("bro, no cap, lo shipeo con su crush y la stalkea")
	var terms []string
	for i, m := range matches {
		terms = append(terms, m.Term)
		if i > 0 && matches[i-1].Start > m.Start {
			t.Fatalf("matches out of order: %+v", matches)
		}
	}
	want := []string{"bro", "no cap", "cap", "shipear", "crush", "stalkear"}
	if !reflect.DeepEqual(terms, want) {
		t.Fatalf("expected %v, got %v", want, terms)
	}
}

func TestRepeatedTermsDoNotOverlap(t *testing.T) {
	set := Build([]dictionary.Entry{{Term: "bro", Generation: dictionary.Millennial}})
	matches := set.Scan("bro bro,bro")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %+v", matches)
	}
	for i, want := range []int{0, 4, 8} {
		if matches[i].Start != want {
			t.Fatalf("match %d: expected start %d, got %d", i, want, matches[i].Start)
		}
	}
}

func TestDeterminism(t *testing.T) {
	set := Build(sampleEntries())
	text := "Bro, la gente chipea y gostea sin parar; qué chidas, no cap."
	first := set.Scan(text)
	for i := 0; i < 5; i++ {
		if again := set.Scan(text); !reflect.DeepEqual(first, again) {
			t.Fatalf("scan %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestScanDegenerateInput(t *testing.T) {
	set := Build(sampleEntries())
	for _, text := range []string{"", "   ", "😀🎉", "\xff\xfe"} {
		matches := set.Scan(text)
		if matches == nil || len(matches) != 0 {
			t.Fatalf("expected empty non-nil result for %q, got %#v", text, matches)
		}
	}
}

func TestConcurrentScans(t *testing.T) {
	set := Build(sampleEntries())
	want := set.Scan("bro me gosteó")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := set.Scan("bro me gosteó"); !reflect.DeepEqual(got, want) {
				t.Errorf("concurrent scan differs: %+v", got)
			}
		}()
	}
	wg.Wait()
}

func TestLazyBuildsOnce(t *testing.T) {
	var calls atomic.Int32
	lazy := NewLazy(func() ([]dictionary.Entry, error) {
		calls.Add(1)
		return sampleEntries(), nil
	})
	var wg sync.WaitGroup
	sets := make([]*Set, 8)
	for i := range sets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, err := lazy.Get()
			if err != nil {
				t.Errorf("get: %v", err)
			}
			sets[i] = set
		}(i)
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected one build, got %d", calls.Load())
	}
	for _, s := range sets[1:] {
		if s != sets[0] {
			t.Fatal("expected every caller to share the same set")
		}
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	if p, err := ParseDuplicatePolicy("last_wins"); err != nil || p != LastWins {
		t.Fatalf("unexpected %v %v", p, err)
	}
	if p, err := ParseDuplicatePolicy(""); err != nil || p != KeepAll {
		t.Fatalf("unexpected %v %v", p, err)
	}
	if _, err := ParseDuplicatePolicy("first_wins"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestShippedDictionary(t *testing.T) {
	entries, err := dictionary.Load("../../dictionary")
	if err != nil {
		t.Fatalf("load shipped dictionary: %v", err)
	}
	set := Build(entries)

	var terms []string
	for _, m := range set.Scan("Mi pana dice que esa chida fiesta fue cringe, no cap") {
		terms = append(terms, m.Term)
	}
	want := []string{"pana", "chido", "cringe", "no cap", "cap"}
	if !reflect.DeepEqual(terms, want) {
		t.Fatalf("got %v, want %v", terms, want)
	}

	matches := set.Scan("¡Qué chévere!")
	if len(matches) != 2 || matches[0].Generation != dictionary.Boomer || matches[1].Generation != dictionary.Regional {
		t.Fatalf("expected chévere from boomer and regional, got %+v", matches)
	}
}
