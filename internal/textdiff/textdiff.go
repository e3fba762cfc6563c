// Package textdiff compares two versions of a transcript layer word by word.
//
// The cascade re-transcribes the same audio several times; textdiff tells the
// transcript model (and the presentation layer) which words of the newer
// version are genuinely new or changed. Tokens are whitespace-separated and
// keep their punctuation.
package textdiff

import "strings"

// Status classifies a word of the newer text.
type Status string

const (
	Unchanged Status = "unchanged"
	Added     Status = "added"
	Removed   Status = "removed"
	Modified  Status = "modified"
)

// Token is one word of the newer text with its diff status.
type Token struct {
	Text   string `json:"text"`
	Status Status `json:"status"`
}

// Tokenize splits text on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Diff compares oldText with newText and returns the words of newText, each
// marked Unchanged, Added or Modified, plus the indices of the non-unchanged
// words. Words present only in oldText are not reported; callers render the
// newer text.
func Diff(oldText, newText string) ([]Token, []int) {
	oldWords := Tokenize(oldText)
	newWords := Tokenize(newText)

	if len(newWords) == 0 {
		return nil, nil
	}
	if len(oldWords) == 0 {
		tokens := make([]Token, len(newWords))
		changed := make([]int, len(newWords))
		for i, w := range newWords {
			tokens[i] = Token{Text: w, Status: Added}
			changed[i] = i
		}
		return tokens, changed
	}

	anchors := lcs(oldWords, newWords)
	tokens := make([]Token, 0, len(newWords))
	var changed []int

	emitGap := func(oldGap, newGap []string) {
		status := Added
		if len(oldGap) > 0 {
			status = Modified
		}
		for _, w := range newGap {
			changed = append(changed, len(tokens))
			tokens = append(tokens, Token{Text: w, Status: status})
		}
	}

	oi, ni := 0, 0
	for _, a := range anchors {
		if oi < a.old || ni < a.new {
			emitGap(oldWords[oi:a.old], newWords[ni:a.new])
		}
		tokens = append(tokens, Token{Text: newWords[a.new], Status: Unchanged})
		oi, ni = a.old+1, a.new+1
	}
	if oi < len(oldWords) || ni < len(newWords) {
		emitGap(oldWords[oi:], newWords[ni:])
	}
	return tokens, changed
}

// Changed reports whether newText contains any word that is added or
// modified relative to oldText.
func Changed(oldText, newText string) bool {
	_, changed := Diff(oldText, newText)
	return len(changed) > 0
}

// pair anchors a common word at index old in the first sequence and new in
// the second.
type pair struct {
	old, new int
}

// lcs returns the anchors of the longest common subsequence of a and b, in
// order. O(m×n); layer texts are at most a few hundred words.
func lcs(a, b []string) []pair {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	k := dp[m][n]
	if k == 0 {
		return nil
	}
	anchors := make([]pair, k)
	i, j := m, n
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			k--
			anchors[k] = pair{old: i - 1, new: j - 1}
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return anchors
}
