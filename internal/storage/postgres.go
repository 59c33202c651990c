package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	env_id       TEXT NOT NULL,
	algorithm    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	weights      BYTEA NOT NULL,
	reason       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_env_idx ON checkpoints (env_id, created_at DESC);
`

// PostgresStore implements CheckpointStore backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The schema must exist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and creates the schema if missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (p *PostgresStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	query := `
		INSERT INTO checkpoints (id, env_id, algorithm, fingerprint, weights, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.ExecContext(ctx, query,
		cp.ID, cp.EnvID, cp.Algorithm, cp.Fingerprint, cp.Weights, cp.Reason, cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const postgresColumns = `id, env_id, algorithm, fingerprint, weights, reason, created_at`

func (p *PostgresStore) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+postgresColumns+` FROM checkpoints WHERE id = $1`, id)
	cp, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

func (p *PostgresStore) LatestCheckpoint(ctx context.Context, envID string) (Checkpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+postgresColumns+` FROM checkpoints
		WHERE env_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, envID)
	cp, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (p *PostgresStore) ListCheckpoints(ctx context.Context, envID string) ([]Checkpoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+postgresColumns+` FROM checkpoints
		WHERE env_id = $1 ORDER BY created_at DESC, seq DESC`, envID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func scanPostgres(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	if err := row.Scan(&cp.ID, &cp.EnvID, &cp.Algorithm, &cp.Fingerprint, &cp.Weights, &cp.Reason, &cp.CreatedAt); err != nil {
		return Checkpoint{}, err
	}
	cp.Size = len(cp.Weights)
	return cp, nil
}

// isUniqueViolation reports whether err is PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
