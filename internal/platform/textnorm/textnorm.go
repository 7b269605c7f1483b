// Package textnorm folds Spanish free text into a lowercase ASCII-friendly
// form so that keyword and code matching ignores case and diacritics.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, removes combining marks ("á" -> "a", "ñ" -> "n") and
// collapses runs of whitespace into a single space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

// Equal reports whether a and b are the same after folding.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}

// ContainsAny reports whether the folded s contains any folded term.
func ContainsAny(s string, terms ...string) bool {
	f := Fold(s)
	for _, t := range terms {
		if t = Fold(t); t != "" && strings.Contains(f, t) {
			return true
		}
	}
	return false
}
