// Package export renders finished consultations and hands them to a
// [Store].
//
// A [Record] is built once per stopped session. [Render] produces either the
// plain-text document handed to the clinician or the JSON form kept for
// later processing.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/internal/transcript"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// ErrNotFound is returned by stores when no record has the requested ID.
var ErrNotFound = errors.New("export: record not found")

// ErrUnsupported is returned when no configured store offers a query.
var ErrUnsupported = errors.New("export: not supported by the configured stores")

// Format selects the rendering of a record.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat maps a configuration value to a Format. The empty string is
// FormatText.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("export: unknown format %q", s)
	}
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".txt"
}

// Stats summarises a consultation.
type Stats struct {
	Duration        time.Duration `json:"duration"`
	Words           int           `json:"words"`
	Speakers        int           `json:"speakers"`
	Pairs           int           `json:"pairs"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

// Record is one finished consultation.
type Record struct {
	SessionID  string            `json:"sessionId"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    time.Time         `json:"endedAt"`
	Transcript string            `json:"transcript"`
	Segments   []diarize.Segment `json:"segments,omitempty"`
	Pairs      []qa.Pair         `json:"pairs,omitempty"`
	Asked      []string          `json:"asked,omitempty"`
	Stats      Stats             `json:"stats"`
}

// ComputeStats fills r.Stats from the other fields.
func (r *Record) ComputeStats(qs qa.Stats) {
	speakers := map[string]struct{}{}
	for _, s := range r.Segments {
		speakers[s.SpeakerID] = struct{}{}
	}
	var d time.Duration
	if !r.StartedAt.IsZero() && r.EndedAt.After(r.StartedAt) {
		d = r.EndedAt.Sub(r.StartedAt)
	}
	r.Stats = Stats{
		Duration:        d,
		Words:           transcript.CountWords(r.Transcript),
		Speakers:        len(speakers),
		Pairs:           len(r.Pairs),
		AvgResponseTime: qs.AvgResponseTime,
	}
}

// Render encodes r in format f.
func Render(r Record, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: render json: %w", err)
		}
		return b, nil
	case FormatText, "":
		return []byte(Text(r)), nil
	default:
		return nil, fmt.Errorf("export: unknown format %q", f)
	}
}

// Text renders the plain-text document: the transcript, the speaker
// transcript when diarization ran, then the collected Q&A pairs numbered from
// one.
func Text(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Konsultacja %s\n", r.SessionID)
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Data: %s\n", r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	if r.Stats.Duration > 0 {
		fmt.Fprintf(&b, "Czas trwania: %s\n", r.Stats.Duration.Round(time.Second))
	}

	b.WriteString("\nTranskrypcja\n\n")
	b.WriteString(strings.TrimSpace(r.Transcript))
	b.WriteString("\n")

	if full := transcript.FullTranscript(r.Segments); full != "" {
		b.WriteString("\nTranskrypcja z podziałem na mówców\n\n")
		b.WriteString(full)
		b.WriteString("\n")
	}

	if len(r.Pairs) > 0 {
		b.WriteString("\nZebrane pytania i odpowiedzi\n\n")
		for i, p := range r.Pairs {
			fmt.Fprintf(&b, "%d. Pytanie: %s\n   Odpowiedź: %s\n", i+1, p.Question, p.Answer)
		}
	}
	return b.String()
}

// Store persists finished consultations.
type Store interface {
	Save(ctx context.Context, r Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Lister is implemented by stores that can enumerate saved consultations.
type Lister interface {
	// Recent returns up to n session IDs, newest first.
	Recent(ctx context.Context, n int64) ([]string, error)
}

// PairSearcher is implemented by stores with full-text search over the
// collected Q&A pairs.
type PairSearcher interface {
	SearchPairs(ctx context.Context, query string, limit int) ([]qa.Pair, error)
}

// Multi writes every record to all stores. Load is served by the first
// store that has the record.
type Multi []Store

var _ Store = Multi(nil)

// Save joins the errors of every store.
func (m Multi) Save(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load tries the stores in order.
func (m Multi) Load(ctx context.Context, sessionID string) (Record, error) {
	for _, s := range m {
		r, err := s.Load(ctx, sessionID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
	}
	return Record{}, ErrNotFound
}

// Recent is served by the first store that implements [Lister].
func (m Multi) Recent(ctx context.Context, n int64) ([]string, error) {
	for _, s := range m {
		if l, ok := s.(Lister); ok {
			return l.Recent(ctx, n)
		}
	}
	return nil, ErrUnsupported
}

// SearchPairs is served by the first store that implements [PairSearcher].
func (m Multi) SearchPairs(ctx context.Context, query string, limit int) ([]qa.Pair, error) {
	for _, s := range m {
		if ps, ok := s.(PairSearcher); ok {
			return ps.SearchPairs(ctx, query, limit)
		}
	}
	return nil, ErrUnsupported
}

func (m Multi) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
