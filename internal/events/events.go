package events

import (
	"context"
	"time"

	"github.com/cartridge/policyrt/internal/vec"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishLifecycle(ctx context.Context, payload LifecycleEvent) error
	PublishWeights(ctx context.Context, payload WeightsEvent) error
	PublishInvariant(ctx context.Context, payload InvariantEvent) error
}

// Lifecycle event names.
const (
	LifecycleCreated  = "created"
	LifecycleReleased = "released"
	LifecycleRestored = "restored"
)

// LifecycleEvent is emitted when an environment is created, restored or
// released.
type LifecycleEvent struct {
	EnvID     string    `json:"env_id"`
	Event     string    `json:"event"`
	Algorithm string    `json:"algorithm"`
	Label     string    `json:"label,omitempty"`
	At        time.Time `json:"at"`
}

// WeightsEvent tracks hot-swap attempts.
type WeightsEvent struct {
	EnvID        string    `json:"env_id"`
	Algorithm    string    `json:"algorithm"`
	Fingerprint  string    `json:"fingerprint"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Source       string    `json:"source"`
	Accepted     bool      `json:"accepted"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// InvariantEvent reports an action that failed the safety check.
type InvariantEvent struct {
	EnvID       string     `json:"env_id"`
	Episode     uint64     `json:"episode"`
	Step        uint64     `json:"step"`
	Observation vec.Vector `json:"observation"`
	Action      vec.Vector `json:"action"`
	Detail      string     `json:"detail"`
	At          time.Time  `json:"at"`
}

// NoopPublisher drops every event; useful for tests.
type NoopPublisher struct{}

// PublishLifecycle satisfies Publisher.
func (NoopPublisher) PublishLifecycle(context.Context, LifecycleEvent) error { return nil }

// PublishWeights satisfies Publisher.
func (NoopPublisher) PublishWeights(context.Context, WeightsEvent) error { return nil }

// PublishInvariant satisfies Publisher.
func (NoopPublisher) PublishInvariant(context.Context, InvariantEvent) error { return nil }
