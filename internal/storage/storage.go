// Package storage persists weight checkpoints taken on every hot-swap.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a checkpoint with the same ID already exists.
	ErrConflict = errors.New("conflict")
)

// Checkpoint is a tagged weight buffer captured from an environment.
type Checkpoint struct {
	ID          string    `json:"id"`
	EnvID       string    `json:"env_id"`
	Algorithm   string    `json:"algorithm"`
	Fingerprint string    `json:"fingerprint"`
	Weights     []byte    `json:"-"`
	Size        int       `json:"size"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckpointStore captures the persistence operations the runtime relies on.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	// LatestCheckpoint returns the newest checkpoint of envID.
	LatestCheckpoint(ctx context.Context, envID string) (Checkpoint, error)
	// ListCheckpoints returns the checkpoints of envID, newest first.
	ListCheckpoints(ctx context.Context, envID string) ([]Checkpoint, error)
	Close() error
}

// Open returns the store for driver. dsn is a file path for sqlite and a
// connection string for postgres; memory ignores it. opts apply to the
// memory store only.
func Open(ctx context.Context, driver, dsn string, opts ...MemoryOption) (CheckpointStore, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// DefaultMemoryRetention is the number of checkpoints MemoryStore keeps per
// environment.
const DefaultMemoryRetention = 64

// MemoryStore is an in-memory CheckpointStore for development/testing.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
	byEnv       map[string][]string // envID -> checkpoint IDs in insertion order
	keepLastN   int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention keeps only the newest n checkpoints per environment. n <= 0
// keeps everything.
func WithRetention(n int) MemoryOption {
	return func(m *MemoryStore) { m.keepLastN = n }
}

// NewMemoryStore constructs a MemoryStore retaining DefaultMemoryRetention
// checkpoints per environment unless overridden.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		checkpoints: make(map[string]Checkpoint),
		byEnv:       make(map[string][]string),
		keepLastN:   DefaultMemoryRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveCheckpoint inserts a new checkpoint, enforcing ID uniqueness.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkpoints[cp.ID]; exists {
		return ErrConflict
	}
	cp.Weights = append([]byte(nil), cp.Weights...)
	cp.Size = len(cp.Weights)
	m.checkpoints[cp.ID] = cp
	ids := append(m.byEnv[cp.EnvID], cp.ID)
	if m.keepLastN > 0 && len(ids) > m.keepLastN {
		drop := len(ids) - m.keepLastN
		for _, id := range ids[:drop] {
			delete(m.checkpoints, id)
		}
		ids = append([]string(nil), ids[drop:]...)
	}
	m.byEnv[cp.EnvID] = ids
	return nil
}

// GetCheckpoint fetches a checkpoint by ID.
func (m *MemoryStore) GetCheckpoint(_ context.Context, id string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

// LatestCheckpoint returns the newest checkpoint for envID.
func (m *MemoryStore) LatestCheckpoint(ctx context.Context, envID string) (Checkpoint, error) {
	list, err := m.ListCheckpoints(ctx, envID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(list) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return list[0], nil
}

// ListCheckpoints returns envID's checkpoints, newest first. Equal timestamps
// keep reverse insertion order.
func (m *MemoryStore) ListCheckpoints(_ context.Context, envID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byEnv[envID]
	out := make([]Checkpoint, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, cloneCheckpoint(m.checkpoints[ids[i]]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Close satisfies CheckpointStore.
func (m *MemoryStore) Close() error { return nil }

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	cp.Weights = append([]byte(nil), cp.Weights...)
	return cp
}
