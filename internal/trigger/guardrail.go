package trigger

import (
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/consultflow/internal/suggest"
	"github.com/MrWong99/consultflow/internal/transcript"
)

// Suspicious reports whether a model correction shrank the segment enough to
// be a hallucination: more than 30% shorter for inputs over 10 characters,
// or under 3 characters for inputs over 5. Lengths are counted in runes.
func Suspicious(in, out string) bool {
	lin := utf8.RuneCountInString(in)
	lout := utf8.RuneCountInString(out)
	switch {
	case lin > 10 && float64(lout) < 0.7*float64(lin):
		return true
	case lin > 5 && lout < 3:
		return true
	}
	return false
}

// plausibleAnswer is the coarse answer test: long enough and not itself a
// question.
func plausibleAnswer(text string, minWords int) bool {
	text = strings.TrimSpace(text)
	return transcript.CountWords(text) >= minWords && !strings.HasSuffix(text, "?")
}

// FallbackCards is the built-in decision script used when the model returns
// no usable card.
func FallbackCards() []suggest.Suggestion {
	return []suggest.Suggestion{
		{Text: "Preferencje pacjenta (skutecznosc / wygoda)", Kind: suggest.KindCheck},
		{Text: "Plany na najblizsze miesiace / czas stosowania", Kind: suggest.KindCheck},
		{Text: "Omowie krotko dostepne opcje i roznice.", Kind: suggest.KindScript},
	}
}
