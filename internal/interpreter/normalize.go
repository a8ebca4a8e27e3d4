package interpreter

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var lower = cases.Lower(language.Und)

// Normalize prepares an utterance for matching: NFC composition, full-width
// folding, lower case, punctuation removed and whitespace collapsed.
func Normalize(text string) string {
	s := norm.NFC.String(text)
	s = width.Fold.String(s)
	s = lower.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
			// "let's" -> "lets"
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
