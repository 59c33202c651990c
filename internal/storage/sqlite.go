package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	env_id       TEXT NOT NULL,
	algorithm    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	weights      BLOB NOT NULL,
	reason       TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_env_idx ON checkpoints (env_id, created_at);
`

// SQLiteStore implements CheckpointStore on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, env_id, algorithm, fingerprint, weights, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.EnvID, cp.Algorithm, cp.Fingerprint, cp.Weights, cp.Reason, cp.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const sqliteColumns = `id, env_id, algorithm, fingerprint, weights, reason, created_at`

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, envID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM checkpoints
		WHERE env_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, envID)
	cp, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, envID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM checkpoints
		WHERE env_id = ? ORDER BY created_at DESC, seq DESC`, envID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var createdAt int64
	if err := row.Scan(&cp.ID, &cp.EnvID, &cp.Algorithm, &cp.Fingerprint, &cp.Weights, &cp.Reason, &createdAt); err != nil {
		return Checkpoint{}, err
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	cp.Size = len(cp.Weights)
	return cp, nil
}
