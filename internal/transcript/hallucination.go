package transcript

import "strings"

// Defaults for HallucinationFilter, tuned on whisper output over silence and
// background noise.
const (
	DefaultRepeatThreshold    = 3
	DefaultDominanceThreshold = 0.5
	DefaultMinWords           = 4
)

// HallucinationFilter detects the repetition loops whisper produces on
// silence or noise ("że że że", "się się tak się się"). The zero value uses
// the defaults.
type HallucinationFilter struct {
	// RepeatThreshold is the run length of one word that marks a loop.
	RepeatThreshold int

	// DominanceThreshold is the share of all words a single word may reach
	// before the text is rejected.
	DominanceThreshold float64

	// MinWords is the minimum length before either check applies.
	MinWords int
}

// IsHallucination reports whether text looks like a recognizer loop.
func (f HallucinationFilter) IsHallucination(text string) bool {
	repeat, dominance, minWords := f.RepeatThreshold, f.DominanceThreshold, f.MinWords
	if repeat <= 0 {
		repeat = DefaultRepeatThreshold
	}
	if dominance <= 0 {
		dominance = DefaultDominanceThreshold
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) < minWords {
		return false
	}

	run := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
			if run >= repeat {
				return true
			}
		} else {
			run = 1
		}
	}

	counts := make(map[string]int, len(words))
	top := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > top {
			top = counts[w]
		}
	}
	return float64(top)/float64(len(words)) >= dominance
}

// Filter returns text, or "" when it is a hallucination.
func (f HallucinationFilter) Filter(text string) string {
	if f.IsHallucination(text) {
		return ""
	}
	return text
}
