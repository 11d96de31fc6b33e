// Package names normalizes person names for search and comparison.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// Normalize prepares a name for comparison: no diacritics, lowercase,
// dashes and underscores turned into spaces, whitespace collapsed.
func Normalize(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// Contains reports whether name contains query after normalizing both.
// An empty query matches every name.
func Contains(name, query string) bool {
	return strings.Contains(Normalize(name), Normalize(query))
}
