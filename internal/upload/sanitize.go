package upload

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const headerPlaceholder = '_'

// Letters with no ASCII decomposition that still have a conventional spelling.
var letterFold = strings.NewReplacer(
	"ß", "ss",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"ł", "l", "Ł", "L",
	"ı", "i",
	"þ", "th", "Þ", "Th",
)

func printableASCII(r rune) rune {
	if r < 0x20 || r > 0x7e {
		return headerPlaceholder
	}
	return r
}

// SanitizeHeader folds s into printable ASCII so it can travel in an HTTP
// header value.
func SanitizeHeader(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))), s)
	if err != nil {
		stripped = s
	}
	folded := letterFold.Replace(stripped)
	out, _, err := transform.String(transform.Chain(runes.Map(printableASCII), norm.NFC), folded)
	if err != nil {
		return strings.Map(printableASCII, folded)
	}
	return out
}
