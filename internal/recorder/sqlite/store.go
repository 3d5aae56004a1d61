// Package sqlite exports finished interview transcripts to a local SQLite
// file. It suits single-host deployments that run without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/pkg/types"
)

var _ recorder.Exporter = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS interview_sessions (
    session_id TEXT PRIMARY KEY,
    utterances INTEGER NOT NULL DEFAULT 0,
    exported_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcript_utterances (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    speaker TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL,
    spoken_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, seq),
    FOREIGN KEY(session_id) REFERENCES interview_sessions(session_id) ON DELETE CASCADE
);
`

// Store is a SQLite-backed transcript exporter.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ExportTranscript implements [recorder.Exporter]. Re-exporting a session
// replaces its rows.
func (s *Store) ExportTranscript(ctx context.Context, sessionID string, utterances []types.Utterance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interview_sessions(session_id, utterances, exported_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET utterances = excluded.utterances, exported_at = excluded.exported_at`,
		sessionID, len(utterances), s.clock().UTC(),
	); err != nil {
		return fmt.Errorf("sqlite store: upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_utterances WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite store: clear utterances: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transcript_utterances(session_id, seq, role, speaker, text, spoken_at) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare: %w", err)
	}
	defer stmt.Close()
	for i, u := range utterances {
		if _, err := stmt.ExecContext(ctx, sessionID, i, string(u.Role), u.Speaker, u.Text, u.At.UTC()); err != nil {
			return fmt.Errorf("sqlite store: insert utterance %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// Transcript returns the exported transcript of sessionID in order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]types.Utterance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, speaker, text, spoken_at FROM transcript_utterances WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: transcript: %w", err)
	}
	defer rows.Close()

	var out []types.Utterance
	for rows.Next() {
		var (
			u    types.Utterance
			role string
		)
		if err := rows.Scan(&role, &u.Speaker, &u.Text, &u.At); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		u.Role = types.Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}
