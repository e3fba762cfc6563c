package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/export/pgstore"
	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
)

// testDSN skips the test unless CONSULTFLOW_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CONSULTFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONSULTFLOW_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS qa_pairs, consultations`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	pool.Close()

	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string, pairs ...qa.Pair) export.Record {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := export.Record{
		SessionID:  id,
		StartedAt:  start,
		EndedAt:    start.Add(10 * time.Minute),
		Transcript: "Co panu dolega? Boli mnie ząb.",
		Segments:   []diarize.Segment{{SpeakerID: "s0", Role: diarize.RoleDoctor, Text: "Co panu dolega?"}},
		Pairs:      pairs,
		Asked:      []string{"Od kiedy boli?"},
	}
	r.ComputeStats(qa.Stats{})
	return r
}

func pair(id, q, a string) qa.Pair {
	at := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	return qa.Pair{ID: id, Question: q, Answer: a, QuestionTimestamp: at, AnswerTimestamp: at.Add(4 * time.Second)}
}

func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := record("sess-1", pair("a1", "Od kiedy boli?", "Od wczoraj"), pair("a2", "Czy bierze Pan leki?", "Nie"))
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Transcript != r.Transcript || got.Stats != r.Stats {
		t.Errorf("Load = %+v, want %+v", got, r)
	}
	if len(got.Pairs) != 2 || got.Pairs[1].Question != "Czy bierze Pan leki?" {
		t.Errorf("pairs = %+v", got.Pairs)
	}
	if len(got.Segments) != 1 || got.Segments[0].Role != diarize.RoleDoctor {
		t.Errorf("segments = %+v", got.Segments)
	}
}

func TestStore_SaveReplacesPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, record("sess-2", pair("a1", "Od kiedy boli?", "Od wczoraj"), pair("a2", "Gdzie?", "Na dole"))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, record("sess-2", pair("a1", "Od kiedy boli?", "Od tygodnia"))); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err := s.Load(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Pairs) != 1 || got.Pairs[0].Answer != "Od tygodnia" {
		t.Errorf("pairs = %+v, want replaced set", got.Pairs)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, export.ErrNotFound) {
		t.Errorf("Load err = %v, want ErrNotFound", err)
	}
}

func TestStore_SearchPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, record("sess-3", pair("a1", "Czy bierze Pan leki?", "Tak, ibuprofen"))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.SearchPairs(ctx, "ibuprofen", 5)
	if err != nil {
		t.Fatalf("SearchPairs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("SearchPairs = %+v", got)
	}
}
