package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SmartJoin appends next to existing with sentence-aware punctuation:
//   - after sentence-ending punctuation (. ! ?) a single space;
//   - before a capitalised word following non-terminal text, ". ";
//   - otherwise a single space.
//
// Surrounding whitespace of both inputs is trimmed; an empty side returns the
// other unchanged.
func SmartJoin(existing, next string) string {
	existing = strings.TrimSpace(existing)
	next = strings.TrimSpace(next)

	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}

	switch existing[len(existing)-1] {
	case '.', '!', '?':
		return existing + " " + next
	}
	if r, _ := utf8.DecodeRuneInString(next); unicode.IsUpper(r) {
		return existing + ". " + next
	}
	return existing + " " + next
}

// joinParagraph starts next on a new line below existing.
func joinParagraph(existing, next string) string {
	existing = strings.TrimRightFunc(existing, unicode.IsSpace)
	next = strings.TrimSpace(next)
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	return existing + "\n" + next
}

// CountWords returns the number of whitespace-separated words in s.
func CountWords(s string) int {
	return len(strings.Fields(s))
}
