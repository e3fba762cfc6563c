package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConsultations = `
CREATE TABLE IF NOT EXISTS consultations (
    session_id   TEXT         PRIMARY KEY,
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    transcript   TEXT         NOT NULL DEFAULT '',
    segments     JSONB        NOT NULL DEFAULT '[]',
    asked        JSONB        NOT NULL DEFAULT '[]',
    stats        JSONB        NOT NULL DEFAULT '{}',
    saved_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_consultations_started_at
    ON consultations (started_at);
`

const ddlPairs = `
CREATE TABLE IF NOT EXISTS qa_pairs (
    session_id   TEXT         NOT NULL REFERENCES consultations (session_id) ON DELETE CASCADE,
    position     INT          NOT NULL,
    pair_id      TEXT         NOT NULL,
    question     TEXT         NOT NULL,
    answer       TEXT         NOT NULL,
    question_at  TIMESTAMPTZ  NOT NULL,
    answer_at    TIMESTAMPTZ  NOT NULL,
    edited       BOOLEAN      NOT NULL DEFAULT false,
    PRIMARY KEY (session_id, position)
);

CREATE INDEX IF NOT EXISTS idx_qa_pairs_fts
    ON qa_pairs USING GIN (to_tsvector('simple', question || ' ' || answer));
`

// Migrate creates the export tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConsultations, ddlPairs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}
