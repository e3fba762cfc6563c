// Package pgstore keeps finished consultations in PostgreSQL.
//
// A consultation is one row of the consultations table; its Q&A pairs are
// rows of qa_pairs in collection order. [Store.Save] replaces both inside
// one transaction, so re-exporting a session is safe.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/qa"
)

var (
	_ export.Store        = (*Store)(nil)
	_ export.PairSearcher = (*Store)(nil)
)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save upserts the consultation and replaces its pairs.
func (s *Store) Save(ctx context.Context, r export.Record) error {
	segments, err := json.Marshal(r.Segments)
	if err != nil {
		return fmt.Errorf("pgstore: save: %w", err)
	}
	asked, err := json.Marshal(r.Asked)
	if err != nil {
		return fmt.Errorf("pgstore: save: %w", err)
	}
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("pgstore: save: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO consultations
			    (session_id, started_at, ended_at, transcript, segments, asked, stats, saved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (session_id) DO UPDATE SET
			    started_at = EXCLUDED.started_at,
			    ended_at   = EXCLUDED.ended_at,
			    transcript = EXCLUDED.transcript,
			    segments   = EXCLUDED.segments,
			    asked      = EXCLUDED.asked,
			    stats      = EXCLUDED.stats,
			    saved_at   = now()`
		if _, err := tx.Exec(ctx, upsert, r.SessionID, r.StartedAt, r.EndedAt, r.Transcript, segments, asked, stats); err != nil {
			return fmt.Errorf("pgstore: save consultation: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM qa_pairs WHERE session_id = $1`, r.SessionID); err != nil {
			return fmt.Errorf("pgstore: clear pairs: %w", err)
		}
		if len(r.Pairs) == 0 {
			return nil
		}

		const insert = `
			INSERT INTO qa_pairs
			    (session_id, position, pair_id, question, answer, question_at, answer_at, edited)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		batch := &pgx.Batch{}
		for i, p := range r.Pairs {
			batch.Queue(insert, r.SessionID, i, p.ID, p.Question, p.Answer, p.QuestionTimestamp, p.AnswerTimestamp, p.Edited)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("pgstore: save pairs: %w", err)
		}
		return nil
	})
}

// Load returns the consultation with its pairs in collection order.
func (s *Store) Load(ctx context.Context, sessionID string) (export.Record, error) {
	const q = `
		SELECT session_id, started_at, ended_at, transcript, segments, asked, stats
		FROM   consultations
		WHERE  session_id = $1`

	var (
		r                      export.Record
		segments, asked, stats []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&r.SessionID, &r.StartedAt, &r.EndedAt, &r.Transcript, &segments, &asked, &stats,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return export.Record{}, export.ErrNotFound
	}
	if err != nil {
		return export.Record{}, fmt.Errorf("pgstore: load: %w", err)
	}
	if err := errors.Join(
		json.Unmarshal(segments, &r.Segments),
		json.Unmarshal(asked, &r.Asked),
		json.Unmarshal(stats, &r.Stats),
	); err != nil {
		return export.Record{}, fmt.Errorf("pgstore: load: decode: %w", err)
	}

	r.Pairs, err = s.pairs(ctx, sessionID)
	if err != nil {
		return export.Record{}, err
	}
	return r, nil
}

// SearchPairs returns the pairs whose question or answer matches query,
// newest consultations first.
func (s *Store) SearchPairs(ctx context.Context, query string, limit int) ([]qa.Pair, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT p.pair_id, p.question, p.answer, p.question_at, p.answer_at, p.edited
		FROM   qa_pairs p
		JOIN   consultations c USING (session_id)
		WHERE  to_tsvector('simple', p.question || ' ' || p.answer) @@ plainto_tsquery('simple', $1)
		ORDER  BY c.started_at DESC, p.position
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search pairs: %w", err)
	}
	return collectPairs(rows)
}

func (s *Store) pairs(ctx context.Context, sessionID string) ([]qa.Pair, error) {
	const q = `
		SELECT pair_id, question, answer, question_at, answer_at, edited
		FROM   qa_pairs
		WHERE  session_id = $1
		ORDER  BY position`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load pairs: %w", err)
	}
	return collectPairs(rows)
}

func collectPairs(rows pgx.Rows) ([]qa.Pair, error) {
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (qa.Pair, error) {
		var (
			p      qa.Pair
			qt, at time.Time
		)
		if err := row.Scan(&p.ID, &p.Question, &p.Answer, &qt, &at, &p.Edited); err != nil {
			return qa.Pair{}, err
		}
		p.QuestionTimestamp, p.AnswerTimestamp = qt.UTC(), at.UTC()
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan pairs: %w", err)
	}
	return pairs, nil
}

// Ping checks the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
