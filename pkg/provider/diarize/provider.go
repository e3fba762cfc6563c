// Package diarize defines the interface of a speaker-diarization backend.
//
// The backend is a black box: it receives the whole session recording and
// returns labelled time segments. Diarization is display-only; the reconciled
// transcript never depends on it.
package diarize

import (
	"context"
	"time"
)

// Role is the conversational role a speaker is mapped to.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleUnknown Role = "unknown"
)

// Label returns the display label used in exported transcripts.
func (r Role) Label() string {
	switch r {
	case RoleDoctor:
		return "Lekarz"
	case RolePatient:
		return "Pacjent"
	default:
		return "Nieznany"
	}
}

// Segment is a contiguous span of audio attributed to one speaker.
type Segment struct {
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	SpeakerID  string        `json:"speakerId"`
	Role       Role          `json:"role"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence"`
}

// Duration returns End-Start, never negative.
func (s Segment) Duration() time.Duration {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// Diarizer splits a recording into speaker segments.
type Diarizer interface {
	// Diarize returns the segments of samples (mono float32 at
	// audio.SampleRate) in chronological order.
	Diarize(ctx context.Context, samples []float32) ([]Segment, error)
}
