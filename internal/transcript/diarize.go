package transcript

import (
	"strings"
	"time"

	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// DefaultOverlapThreshold is the minimum share of a word's duration that must
// overlap a segment for MergeWords to assign it there.
const DefaultOverlapThreshold = 0.5

// Word is a recognised word with its position in the recording.
type Word struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// MergeWords distributes timed words over diarization segments. A word goes
// to the segment containing its midpoint, else to the segment it overlaps
// most (at least threshold of its duration), else to the nearest segment.
func MergeWords(words []Word, segments []diarize.Segment, threshold float64) []diarize.Segment {
	out := cloneSegments(segments)
	if len(words) == 0 || len(out) == 0 {
		return out
	}
	if threshold <= 0 {
		threshold = DefaultOverlapThreshold
	}

	assigned := make([][]string, len(out))
	for _, w := range words {
		idx := bestSegment(w, out, threshold)
		assigned[idx] = append(assigned[idx], w.Text)
	}
	for i := range out {
		out[i].Text = strings.Join(assigned[i], " ")
	}
	return out
}

func bestSegment(w Word, segments []diarize.Segment, threshold float64) int {
	mid := (w.Start + w.End) / 2
	for i, s := range segments {
		if s.Start <= mid && mid <= s.End {
			return i
		}
	}

	if dur := w.End - w.Start; dur > 0 {
		best, bestRatio := -1, 0.0
		for i, s := range segments {
			lo, hi := max(w.Start, s.Start), min(w.End, s.End)
			if lo >= hi {
				continue
			}
			ratio := float64(hi-lo) / float64(dur)
			if ratio > bestRatio && ratio >= threshold {
				best, bestRatio = i, ratio
			}
		}
		if best >= 0 {
			return best
		}
	}

	nearest, nearestDist := 0, time.Duration(-1)
	for i, s := range segments {
		var d time.Duration
		switch {
		case mid < s.Start:
			d = s.Start - mid
		case mid > s.End:
			d = mid - s.End
		}
		if nearestDist < 0 || d < nearestDist {
			nearest, nearestDist = i, d
		}
	}
	return nearest
}

// proportionalConfidence scales segment confidence when words are split by
// duration rather than by timestamps.
const proportionalConfidence = 0.7

// MergeProportional splits an untimed transcript over segments in proportion
// to their durations. Each segment receives at least one word; leftovers go
// to the last segment.
func MergeProportional(text string, segments []diarize.Segment) []diarize.Segment {
	out := cloneSegments(segments)
	words := strings.Fields(text)
	if len(words) == 0 || len(out) == 0 {
		return out
	}

	var total time.Duration
	for _, s := range out {
		total += s.Duration()
	}
	if total == 0 {
		return out
	}

	idx := 0
	for i := range out {
		n := max(1, int(float64(len(words))*float64(out[i].Duration())/float64(total)))
		end := min(idx+n, len(words))
		out[i].Text = strings.Join(words[idx:end], " ")
		out[i].Confidence *= proportionalConfidence
		idx = end
	}
	if idx < len(words) {
		last := &out[len(out)-1]
		last.Text = strings.TrimSpace(last.Text + " " + strings.Join(words[idx:], " "))
	}
	return out
}

var clinicalStems = []string{
	"diagnoz", "badani", "leczeni", "zalec", "przepisz",
	"przyjmuj", "dawkow", "lek", "tabletk", "recepta",
}

// AssignRoles guesses which speaker is the clinician from what they say:
// questions, clinical vocabulary and long explanations score as doctor,
// short replies as patient. With one speaker the role stays unknown; with
// more than two, only the first two are mapped.
func AssignRoles(segments []diarize.Segment) map[string]diarize.Role {
	type score struct{ doctor, patient int }
	scores := map[string]*score{}
	var order []string

	for _, s := range segments {
		sc, ok := scores[s.SpeakerID]
		if !ok {
			sc = &score{}
			scores[s.SpeakerID] = sc
			order = append(order, s.SpeakerID)
		}
		lower := strings.ToLower(s.Text)
		if strings.Contains(s.Text, "?") {
			sc.doctor += 2
		}
		for _, stem := range clinicalStems {
			if strings.Contains(lower, stem) {
				sc.doctor++
			}
		}
		switch n := CountWords(lower); {
		case n <= 5:
			sc.patient++
		case n > 20:
			sc.doctor++
		}
	}

	mapping := make(map[string]diarize.Role, len(order))
	switch len(order) {
	case 0:
	case 1:
		mapping[order[0]] = diarize.RoleUnknown
	default:
		a, b := order[0], order[1]
		if scores[a].doctor-scores[a].patient > scores[b].doctor-scores[b].patient {
			mapping[a], mapping[b] = diarize.RoleDoctor, diarize.RolePatient
		} else {
			mapping[a], mapping[b] = diarize.RolePatient, diarize.RoleDoctor
		}
		for _, id := range order[2:] {
			mapping[id] = diarize.RoleUnknown
		}
	}
	return mapping
}

// ApplyRoles sets each segment's role from mapping in place.
func ApplyRoles(segments []diarize.Segment, mapping map[string]diarize.Role) {
	for i := range segments {
		if r, ok := mapping[segments[i].SpeakerID]; ok {
			segments[i].Role = r
		}
	}
}

// FullTranscript renders segments with text as "Label: text" lines.
func FullTranscript(segments []diarize.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if s.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Role.Label())
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	return b.String()
}

func cloneSegments(segments []diarize.Segment) []diarize.Segment {
	out := make([]diarize.Segment, len(segments))
	copy(out, segments)
	return out
}
