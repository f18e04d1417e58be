package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldMarks decomposes accented characters and strips the combining marks,
// so "Hager Réf" and "Hager Ref" normalize identically. French catalog
// references routinely come back from OCR with and without diacritics.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeReference standardizes a manufacturer reference for cache and
// inventory matching by:
//  1. Folding diacritics (é -> e)
//  2. Lowercasing
//  3. Dropping everything that is not a letter or digit
//
// The result is stable: normalizing an already-normalized reference returns
// it unchanged. An input with no letters or digits normalizes to "".
func NormalizeReference(ref string) string {
	folded, _, err := transform.String(foldMarks, ref)
	if err != nil {
		// Malformed UTF-8; fall back to the raw bytes.
		folded = ref
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
