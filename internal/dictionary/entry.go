package dictionary

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Generation tags a dictionary table. The tag is the table's file name without
// extension, so the set is open; the constants below are the tables shipped
// with the default dictionary.
type Generation string

const (
	GenZ       Generation = "gen_z"
	Millennial Generation = "millennial"
	Boomer     Generation = "boomer"
	Regional   Generation = "regional"
)

// Entry is one dictionary row. Term is folded with Fold and never empty.
type Entry struct {
	Term       string     `json:"term"`
	Definition string     `json:"definition"`
	Generation Generation `json:"generation"`
}

// Fold lowercases s and puts it in NFC so that precomposed and decomposed
// accents compare equal. Dictionary terms and scanned text both go through it.
func Fold(s string) string {
	return norm.NFC.String(strings.ToLower(s))
}
