// Package postgres exports finished interview transcripts to PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	rec := recorder.New(sessionID, recorder.WithExporter(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS interview_sessions (
    session_id   TEXT         PRIMARY KEY,
    utterances   INTEGER      NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ,
    exported_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS transcript_utterances (
    session_id  TEXT         NOT NULL REFERENCES interview_sessions (session_id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_utterances_spoken_at
    ON transcript_utterances (spoken_at);
`

// Migrate creates the transcript tables if they do not exist. It is safe to
// run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlUtterances} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
