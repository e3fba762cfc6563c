package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

func sec(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func TestMergeWords(t *testing.T) {
	t.Parallel()

	segs := []diarize.Segment{
		{Start: 0, End: sec(2), SpeakerID: "A"},
		{Start: sec(2), End: sec(4), SpeakerID: "B"},
	}
	words := []Word{
		{Text: "czy", Start: sec(0.1), End: sec(0.5)},
		{Text: "boli", Start: sec(0.6), End: sec(1.0)},
		{Text: "tak", Start: sec(2.5), End: sec(3.0)},
		{Text: "poza", Start: sec(9), End: sec(10)},
	}
	got := MergeWords(words, segs, 0)
	if got[0].Text != "czy boli" {
		t.Errorf("segment A text = %q, want %q", got[0].Text, "czy boli")
	}
	if got[1].Text != "tak poza" {
		t.Errorf("segment B text = %q, want %q", got[1].Text, "tak poza")
	}
	if segs[0].Text != "" {
		t.Error("MergeWords modified its input")
	}
}

func TestMergeWords_GapWord(t *testing.T) {
	t.Parallel()

	// Midpoints fall between the segments. The first word overlaps A by 40%,
	// the second sits closer to B's start.
	segs := []diarize.Segment{
		{Start: 0, End: sec(2), SpeakerID: "A"},
		{Start: sec(3), End: sec(4), SpeakerID: "B"},
	}
	words := []Word{
		{Text: "no", Start: sec(1.8), End: sec(2.3)},
		{Text: "tak", Start: sec(2.7), End: sec(2.9)},
	}

	got := MergeWords(words, segs, 0.3)
	if got[0].Text != "no" {
		t.Errorf("segment A text = %q, want %q", got[0].Text, "no")
	}
	if got[1].Text != "tak" {
		t.Errorf("segment B text = %q, want %q", got[1].Text, "tak")
	}
}

func TestMergeProportional(t *testing.T) {
	t.Parallel()

	segs := []diarize.Segment{
		{Start: 0, End: sec(3), SpeakerID: "A", Confidence: 1},
		{Start: sec(3), End: sec(4), SpeakerID: "B", Confidence: 1},
	}
	got := MergeProportional("jeden dwa trzy cztery pięć", segs)

	total := CountWords(got[0].Text) + CountWords(got[1].Text)
	if total != 5 {
		t.Errorf("merged %d words, want 5", total)
	}
	if got[0].Text != "jeden dwa trzy" {
		t.Errorf("segment A text = %q, want %q", got[0].Text, "jeden dwa trzy")
	}
	if !strings.HasSuffix(got[1].Text, "pięć") {
		t.Errorf("segment B text = %q, want remaining words", got[1].Text)
	}
	if got[0].Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7", got[0].Confidence)
	}
}

func TestAssignRoles(t *testing.T) {
	t.Parallel()

	segs := []diarize.Segment{
		{SpeakerID: "S1", Text: "Tak."},
		{SpeakerID: "S0", Text: "Czy przyjmuje pan jakieś leki na stałe?"},
		{SpeakerID: "S1", Text: "Nie, żadnych."},
		{SpeakerID: "S2", Text: "Dzień dobry."},
	}
	got := AssignRoles(segs)
	if got["S0"] != diarize.RoleDoctor {
		t.Errorf("S0 = %q, want doctor", got["S0"])
	}
	if got["S1"] != diarize.RolePatient {
		t.Errorf("S1 = %q, want patient", got["S1"])
	}
	if got["S2"] != diarize.RoleUnknown {
		t.Errorf("S2 = %q, want unknown", got["S2"])
	}
}

func TestAssignRoles_SingleSpeaker(t *testing.T) {
	t.Parallel()

	got := AssignRoles([]diarize.Segment{{SpeakerID: "S0", Text: "Czy boli?"}})
	if got["S0"] != diarize.RoleUnknown {
		t.Errorf("S0 = %q, want unknown", got["S0"])
	}
}

func TestFullTranscript(t *testing.T) {
	t.Parallel()

	segs := []diarize.Segment{
		{SpeakerID: "S0", Text: "Czy boli?"},
		{SpeakerID: "S1", Text: ""},
		{SpeakerID: "S1", Text: "Tak."},
	}
	ApplyRoles(segs, map[string]diarize.Role{"S0": diarize.RoleDoctor, "S1": diarize.RolePatient})

	want := "Lekarz: Czy boli?\nPacjent: Tak."
	if got := FullTranscript(segs); got != want {
		t.Errorf("FullTranscript() = %q, want %q", got, want)
	}
}
