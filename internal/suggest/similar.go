package suggest

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// strokeLetters have no canonical decomposition.
var strokeLetters = strings.NewReplacer("ł", "l", "Ł", "l")

// normalize lower-cases s, strips diacritics and drops punctuation, so
// "Czy ból?" and "czy bol" compare equal. Recognizers drop Polish
// diacritics often enough that they cannot tell two questions apart.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, strokeLetters.Replace(s)); err == nil {
		s = folded
	}
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// similarity scores two normalised strings in [0, 1]. It takes the better of
// the full-string and the space-stripped comparison, which tolerates
// recognizer word splits ("za wsze" vs "zawsze").
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	score := matchr.JaroWinkler(a, b, false)
	if s := matchr.JaroWinkler(strings.ReplaceAll(a, " ", ""), strings.ReplaceAll(b, " ", ""), false); s > score {
		score = s
	}
	return score
}
