// Package replay keeps a bounded in-memory log of the observation/action pairs
// each environment produced.
package replay

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartridge/policyrt/internal/vec"
)

// ErrEmpty is returned by Sample when no transition matches.
var ErrEmpty = errors.New("no transitions available for sampling")

// Transition kinds.
const (
	KindReset = "reset"
	KindStep  = "step"
)

// Transition is one policy call.
type Transition struct {
	ID          string     `json:"id"`
	EnvID       string     `json:"env_id"`
	Kind        string     `json:"kind"`
	Episode     uint64     `json:"episode"`
	Step        uint64     `json:"step"`
	Observation vec.Vector `json:"observation"`
	Action      vec.Vector `json:"action"`
	Violation   string     `json:"violation,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// SampleConfig defines parameters for sampling transitions
type SampleConfig struct {
	BatchSize    int
	EnvID        string
	MinTimestamp *time.Time
	MaxTimestamp *time.Time
}

// Stats represents replay buffer statistics
type Stats struct {
	TotalTransitions uint64            `json:"total_transitions"`
	TotalEpisodes    uint64            `json:"total_episodes"`
	Violations       uint64            `json:"violations"`
	TransitionsByEnv map[string]uint64 `json:"transitions_by_env"`
	OldestTimestamp  *time.Time        `json:"oldest_timestamp,omitempty"`
	NewestTimestamp  *time.Time        `json:"newest_timestamp,omitempty"`
}

// Buffer is an in-memory transition log that evicts the oldest entries once
// maxSize is exceeded. A zero maxSize means unbounded.
type Buffer struct {
	mu          sync.RWMutex
	transitions map[string]Transition // ID -> Transition
	episodes    map[string][]string   // envID/episode -> TransitionIDs
	envIndex    map[string][]string   // EnvID -> TransitionIDs
	timeIndex   []string              // TransitionIDs sorted by timestamp
	maxSize     uint64
	rng         *rand.Rand
	now         func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithRand fixes the sampling entropy.
func WithRand(r *rand.Rand) Option {
	return func(b *Buffer) { b.rng = r }
}

// WithNow overrides the clock used to stamp transitions.
func WithNow(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer creates a new in-memory transition log.
func NewBuffer(maxSize uint64, opts ...Option) *Buffer {
	b := &Buffer{
		transitions: make(map[string]Transition),
		episodes:    make(map[string][]string),
		envIndex:    make(map[string][]string),
		timeIndex:   make([]string, 0),
		maxSize:     maxSize,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func episodeKey(envID string, episode uint64) string {
	return envID + "/" + strconv.FormatUint(episode, 10)
}

// Store records t, filling in the ID and timestamp when unset, and returns
// the stored copy.
func (b *Buffer) Store(_ context.Context, t Transition) (Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = b.now()
	}
	if _, exists := b.transitions[t.ID]; exists {
		b.deleteTransition(t.ID)
	}

	b.transitions[t.ID] = t
	key := episodeKey(t.EnvID, t.Episode)
	b.episodes[key] = append(b.episodes[key], t.ID)
	b.envIndex[t.EnvID] = append(b.envIndex[t.EnvID], t.ID)
	b.insertInTimeIndex(t.ID, t.Timestamp)
	b.evictIfNeeded()

	return t, nil
}

// Sample draws up to cfg.BatchSize distinct transitions uniformly.
func (b *Buffer) Sample(_ context.Context, cfg SampleConfig) ([]Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.candidates(cfg)
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}
	size := cfg.BatchSize
	if size <= 0 || size > len(candidates) {
		size = len(candidates)
	}
	out := make([]Transition, 0, size)
	for _, idx := range b.rng.Perm(len(candidates))[:size] {
		out = append(out, candidates[idx])
	}
	return out, nil
}

// Recent returns the newest n transitions of envID, oldest first. n <= 0
// returns all of them.
func (b *Buffer) Recent(_ context.Context, envID string, n int) []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := b.candidates(SampleConfig{EnvID: envID})
	if n > 0 && len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}

// Stats summarises the buffer, optionally restricted to envID.
func (b *Buffer) Stats(_ context.Context, envID string) Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{TransitionsByEnv: make(map[string]uint64)}
	for env, ids := range b.envIndex {
		if envID == "" || env == envID {
			stats.TransitionsByEnv[env] = uint64(len(ids))
			stats.TotalTransitions += uint64(len(ids))
		}
	}
	for _, ids := range b.episodes {
		if len(ids) > 0 && (envID == "" || b.transitions[ids[0]].EnvID == envID) {
			stats.TotalEpisodes++
		}
	}
	for _, id := range b.timeIndex {
		t := b.transitions[id]
		if envID != "" && t.EnvID != envID {
			continue
		}
		if t.Violation != "" {
			stats.Violations++
		}
		ts := t.Timestamp
		if stats.OldestTimestamp == nil {
			stats.OldestTimestamp = &ts
		}
		stats.NewestTimestamp = &ts
	}
	return stats
}

// Clear deletes transitions of envID (all envs when empty) older than
// before, then trims what remains to the newest keepLastN. It returns the
// number deleted.
func (b *Buffer) Clear(_ context.Context, envID string, before *time.Time, keepLastN int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var relevant []string
	for _, id := range b.timeIndex {
		if envID == "" || b.transitions[id].EnvID == envID {
			relevant = append(relevant, id)
		}
	}

	toDelete := make(map[string]struct{})
	if before != nil {
		for _, id := range relevant {
			if b.transitions[id].Timestamp.Before(*before) {
				toDelete[id] = struct{}{}
			}
		}
	}
	if keepLastN > 0 && len(relevant) > keepLastN {
		for _, id := range relevant[:len(relevant)-keepLastN] {
			toDelete[id] = struct{}{}
		}
	}
	if before == nil && keepLastN <= 0 {
		for _, id := range relevant {
			toDelete[id] = struct{}{}
		}
	}

	for id := range toDelete {
		b.deleteTransition(id)
	}
	return uint64(len(toDelete))
}

// Len returns the number of stored transitions.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.transitions)
}

func (b *Buffer) insertInTimeIndex(id string, timestamp time.Time) {
	idx := sort.Search(len(b.timeIndex), func(i int) bool {
		return b.transitions[b.timeIndex[i]].Timestamp.After(timestamp)
	})
	b.timeIndex = append(b.timeIndex, "")
	copy(b.timeIndex[idx+1:], b.timeIndex[idx:])
	b.timeIndex[idx] = id
}

func (b *Buffer) evictIfNeeded() {
	for b.maxSize > 0 && uint64(len(b.transitions)) > b.maxSize && len(b.timeIndex) > 0 {
		b.deleteTransition(b.timeIndex[0])
	}
}

func (b *Buffer) deleteTransition(id string) {
	t, exists := b.transitions[id]
	if !exists {
		return
	}
	delete(b.transitions, id)

	key := episodeKey(t.EnvID, t.Episode)
	if b.episodes[key] = removeString(b.episodes[key], id); len(b.episodes[key]) == 0 {
		delete(b.episodes, key)
	}
	if b.envIndex[t.EnvID] = removeString(b.envIndex[t.EnvID], id); len(b.envIndex[t.EnvID]) == 0 {
		delete(b.envIndex, t.EnvID)
	}
	b.timeIndex = removeString(b.timeIndex, id)
}

// candidates returns matching transitions in timestamp order.
func (b *Buffer) candidates(cfg SampleConfig) []Transition {
	var out []Transition
	for _, id := range b.timeIndex {
		t := b.transitions[id]
		if cfg.EnvID != "" && t.EnvID != cfg.EnvID {
			continue
		}
		if cfg.MinTimestamp != nil && t.Timestamp.Before(*cfg.MinTimestamp) {
			continue
		}
		if cfg.MaxTimestamp != nil && t.Timestamp.After(*cfg.MaxTimestamp) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func removeString(slice []string, item string) []string {
	for i, s := range slice {
		if s == item {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}
