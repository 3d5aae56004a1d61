package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/pkg/types"
)

var _ recorder.Exporter = (*Store)(nil)

// Store writes transcripts into the interview_sessions and
// transcript_utterances tables. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// ExportTranscript implements [recorder.Exporter]. The whole transcript is
// written in one transaction; exporting the same session twice replaces the
// earlier rows.
func (s *Store) ExportTranscript(ctx context.Context, sessionID string, utterances []types.Utterance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var started, ended *time.Time
	if n := len(utterances); n > 0 {
		started, ended = &utterances[0].At, &utterances[n-1].At
	}

	const upsert = `
		INSERT INTO interview_sessions (session_id, utterances, started_at, ended_at, exported_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE
		SET utterances = EXCLUDED.utterances,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    exported_at = now()`
	if _, err := tx.Exec(ctx, upsert, sessionID, len(utterances), started, ended); err != nil {
		return fmt.Errorf("postgres store: upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transcript_utterances WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: clear utterances: %w", err)
	}

	rows := make([][]any, len(utterances))
	for i, u := range utterances {
		rows[i] = []any{sessionID, i, string(u.Role), u.Speaker, u.Text, u.At}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"transcript_utterances"},
		[]string{"session_id", "seq", "role", "speaker", "text", "spoken_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres store: copy utterances: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Transcript returns the exported transcript of sessionID in order. It
// returns an empty slice for unknown sessions.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]types.Utterance, error) {
	const q = `
		SELECT role, speaker, text, spoken_at
		FROM   transcript_utterances
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Utterance, error) {
		var (
			u    types.Utterance
			role string
		)
		if err := row.Scan(&role, &u.Speaker, &u.Text, &u.At); err != nil {
			return u, err
		}
		u.Role = types.Role(role)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcript: %w", err)
	}
	return out, nil
}
