// Package service hosts many environments behind one registry and fans their
// activity out to storage, events, replay and metrics.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/policyrt/internal/backend"
	"github.com/cartridge/policyrt/internal/env"
	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/events"
	"github.com/cartridge/policyrt/internal/metrics"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/replay"
	"github.com/cartridge/policyrt/internal/safety"
	"github.com/cartridge/policyrt/internal/storage"
	"github.com/cartridge/policyrt/internal/vec"
)

// ErrEnvNotFound is returned for unknown environment IDs.
var ErrEnvNotFound = errors.New("environment not found")

// Weight update sources.
const (
	SourceCreate  = "create"
	SourceAPI     = "api"
	SourceWatch   = "watch"
	SourceLearn   = "learn"
	SourceRestore = "restore"
)

// Config carries the runtime-wide settings every environment is built with.
type Config struct {
	Shape            policy.Shape
	Bounds           safety.Bounds
	EnforceInvariant bool
	Backend          backend.Backend
	Epsilon          float32
	// Seed fixes tabular exploration when non-zero. Each environment gets its
	// own source seeded with it.
	Seed         int64
	Architecture *policy.Architecture
}

// DefaultConfig mirrors the defaults of the embedded runtime.
func DefaultConfig() Config {
	return Config{
		Shape:            policy.DefaultShape,
		Bounds:           safety.DefaultBounds,
		EnforceInvariant: true,
		Epsilon:          policy.DefaultEpsilon,
	}
}

func (c Config) envOptions() []env.Option {
	popts := []policy.Option{policy.WithEpsilon(c.Epsilon)}
	if c.Backend != nil {
		popts = append(popts, policy.WithBackend(c.Backend))
	}
	if c.Seed != 0 {
		popts = append(popts, policy.WithSeed(c.Seed))
	}
	if c.Architecture != nil {
		popts = append(popts, policy.WithArchitecture(*c.Architecture))
	}
	return []env.Option{
		env.WithShape(c.Shape),
		env.WithBounds(c.Bounds),
		env.WithPolicyOptions(popts...),
	}
}

// EnvironmentInfo describes one hosted environment.
type EnvironmentInfo struct {
	ID          string       `json:"id"`
	Label       string       `json:"label,omitempty"`
	Algorithm   string       `json:"algorithm"`
	Policy      string       `json:"policy"`
	Shape       policy.Shape `json:"shape"`
	Episode     uint64       `json:"episode"`
	Step        uint64       `json:"step"`
	Fingerprint string       `json:"fingerprint"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// StepResult is the outcome of a reset or step.
type StepResult struct {
	EnvID     string     `json:"env_id"`
	Action    vec.Action `json:"action"`
	Episode   uint64     `json:"episode"`
	Step      uint64     `json:"step"`
	Violation string     `json:"violation,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	id        string
	label     string
	env       *env.Environment
	createdAt time.Time
	updatedAt time.Time
}

func (e *entry) info() EnvironmentInfo {
	st := e.env.State()
	p := e.env.Policy()
	return EnvironmentInfo{
		ID:          e.id,
		Label:       e.label,
		Algorithm:   st.Algorithm.String(),
		Policy:      p.Name(),
		Shape:       e.env.Shape(),
		Episode:     st.Episode,
		Step:        st.Step,
		Fingerprint: st.Fingerprint.String(),
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
	}
}

// Runtime implements the environment workflows. Each environment is guarded
// by its own mutex; the registry map by mu.
type Runtime struct {
	cfg     Config
	store   storage.CheckpointStore
	events  events.Publisher
	replay  *replay.Buffer
	metrics *metrics.Collector
	logger  *zerolog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	envs map[string]*entry
}

// NewRuntime constructs a Runtime instance.
func NewRuntime(cfg Config, store storage.CheckpointStore, publisher events.Publisher, buffer *replay.Buffer, collector *metrics.Collector, logger *zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		store:   store,
		events:  publisher,
		replay:  buffer,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
		envs:    make(map[string]*entry),
	}
}

// WithNow allows tests to override the time source.
func (r *Runtime) WithNow(now func() time.Time) {
	r.now = now
}

// Config returns the settings environments are built with.
func (r *Runtime) Config() Config { return r.cfg }

// CreateEnvironment decodes weights into a new environment and records the
// initial checkpoint.
func (r *Runtime) CreateEnvironment(ctx context.Context, weights []byte, label string) (EnvironmentInfo, error) {
	e, err := env.New(weights, r.cfg.envOptions()...)
	if err != nil {
		r.logger.Warn().Err(err).Int("bytes", len(weights)).Msg("rejected weights for new environment")
		return EnvironmentInfo{}, err
	}
	now := r.now()
	ent := &entry{
		id:        uuid.New().String(),
		label:     label,
		env:       e,
		createdAt: now,
		updatedAt: now,
	}

	r.mu.Lock()
	r.envs[ent.id] = ent
	count := len(r.envs)
	r.mu.Unlock()
	r.metrics.Environments(count)

	ent.mu.Lock()
	info := ent.info()
	r.checkpoint(ctx, ent, SourceCreate)
	ent.mu.Unlock()

	if err := r.events.PublishLifecycle(ctx, events.LifecycleEvent{
		EnvID:     ent.id,
		Event:     events.LifecycleCreated,
		Algorithm: info.Algorithm,
		Label:     label,
		At:        now,
	}); err != nil {
		r.logger.Error().Err(err).Str("env_id", ent.id).Msg("failed to publish lifecycle event")
	}
	r.logger.Info().
		Str("env_id", ent.id).
		Str("algorithm", info.Algorithm).
		Str("label", label).
		Msg("environment created")
	return info, nil
}

// Get returns environment metadata.
func (r *Runtime) Get(_ context.Context, id string) (EnvironmentInfo, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return EnvironmentInfo{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.info(), nil
}

// List returns every environment, oldest first.
func (r *Runtime) List(_ context.Context) []EnvironmentInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.envs))
	for _, ent := range r.envs {
		entries = append(entries, ent)
	}
	r.mu.RUnlock()

	out := make([]EnvironmentInfo, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, ent.info())
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of hosted environments.
func (r *Runtime) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

// Reset starts a new episode of id.
func (r *Runtime) Reset(ctx context.Context, id string, obs vec.Observation) (StepResult, error) {
	return r.act(ctx, id, obs, replay.KindReset)
}

// Step advances id by one observation.
func (r *Runtime) Step(ctx context.Context, id string, obs vec.Observation) (StepResult, error) {
	return r.act(ctx, id, obs, replay.KindStep)
}

func (r *Runtime) act(ctx context.Context, id string, obs vec.Observation, kind string) (StepResult, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return StepResult{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	start := time.Now()
	var action vec.Action
	if kind == replay.KindReset {
		action, err = ent.env.Reset(obs)
	} else {
		action, err = ent.env.Step(obs)
	}
	if err != nil {
		return StepResult{}, err
	}
	latency := time.Since(start)
	ent.updatedAt = r.now()

	st := ent.env.State()
	alg := st.Algorithm.String()
	result := StepResult{EnvID: id, Action: action, Episode: st.Episode, Step: st.Step}
	r.metrics.PolicyCall(id, alg, kind, st.Step, latency)

	if r.cfg.EnforceInvariant {
		if verr := ent.env.CheckInvariant(obs, action); verr != nil {
			result.Violation = verr.Error()
			r.metrics.InvariantViolation(id, alg, result.Violation)
			if err := r.events.PublishInvariant(ctx, events.InvariantEvent{
				EnvID:       id,
				Episode:     st.Episode,
				Step:        st.Step,
				Observation: obs,
				Action:      action,
				Detail:      result.Violation,
				At:          ent.updatedAt,
			}); err != nil {
				r.logger.Error().Err(err).Str("env_id", id).Msg("failed to publish invariant event")
			}
		}
	}

	if _, err := r.replay.Store(ctx, replay.Transition{
		EnvID:       id,
		Kind:        kind,
		Episode:     st.Episode,
		Step:        st.Step,
		Observation: obs,
		Action:      action,
		Violation:   result.Violation,
		Timestamp:   ent.updatedAt,
	}); err != nil {
		r.logger.Error().Err(err).Str("env_id", id).Msg("failed to record transition")
	}
	return result, nil
}

// CheckInvariant runs an observation/action pair through the safety check of
// id without touching its state.
func (r *Runtime) CheckInvariant(_ context.Context, id string, obs vec.Observation, action vec.Action) error {
	ent, err := r.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.env.CheckInvariant(obs, action)
}

// UpdateWeights hot-swaps the weights of id. Accepted buffers are
// checkpointed; every attempt is published.
func (r *Runtime) UpdateWeights(ctx context.Context, id string, weights []byte, source string) (EnvironmentInfo, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return EnvironmentInfo{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return r.swapLocked(ctx, ent, weights, source, "")
}

func (r *Runtime) swapLocked(ctx context.Context, ent *entry, weights []byte, source, checkpointID string) (EnvironmentInfo, error) {
	event := events.WeightsEvent{
		EnvID:        ent.id,
		Algorithm:    ent.env.State().Algorithm.String(),
		CheckpointID: checkpointID,
		Source:       source,
		At:           r.now(),
	}
	if err := ent.env.UpdateWeights(weights); err != nil {
		event.Error = err.Error()
		event.Fingerprint = ent.env.State().Fingerprint.String()
		r.metrics.WeightSwap(ent.id, source, false)
		r.publishWeights(ctx, event)
		r.logger.Warn().Err(err).Str("env_id", ent.id).Str("source", source).Msg("weights rejected")
		return EnvironmentInfo{}, err
	}
	ent.updatedAt = event.At
	if checkpointID == "" {
		event.CheckpointID = r.checkpoint(ctx, ent, source)
	}
	event.Accepted = true
	event.Fingerprint = ent.env.State().Fingerprint.String()
	r.metrics.WeightSwap(ent.id, source, true)
	r.publishWeights(ctx, event)
	return ent.info(), nil
}

func (r *Runtime) publishWeights(ctx context.Context, event events.WeightsEvent) {
	if err := r.events.PublishWeights(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("env_id", event.EnvID).Msg("failed to publish weights event")
	}
}

// checkpoint persists the current weights of ent and returns the checkpoint
// ID, or "" when the store refused it. Callers hold ent.mu.
func (r *Runtime) checkpoint(ctx context.Context, ent *entry, reason string) string {
	weights := ent.env.Weights()
	st := ent.env.State()
	cp := storage.Checkpoint{
		ID:          uuid.New().String(),
		EnvID:       ent.id,
		Algorithm:   st.Algorithm.String(),
		Fingerprint: env.FingerprintOf(weights).String(),
		Weights:     weights,
		Reason:      reason,
		CreatedAt:   r.now(),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		r.logger.Error().Err(err).Str("env_id", ent.id).Str("reason", reason).Msg("failed to save checkpoint")
		return ""
	}
	return cp.ID
}

// Weights returns the tagged weight buffer of id.
func (r *Runtime) Weights(_ context.Context, id string) ([]byte, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.env.Weights(), nil
}

// LearnInput is one local update. Tabular policies read State/NextState
// (or derive them from Observation/NextObservation), Action and Reward.
// Linear policies read Observation, Target and optionally Current, which
// defaults to the policy's own action for Observation.
type LearnInput struct {
	State           *int      `json:"state,omitempty"`
	NextState       *int      `json:"next_state,omitempty"`
	Action          *int      `json:"action,omitempty"`
	Reward          float32   `json:"reward"`
	Observation     []float32 `json:"observation,omitempty"`
	NextObservation []float32 `json:"next_observation,omitempty"`
	Target          []float32 `json:"target,omitempty"`
	Current         []float32 `json:"current,omitempty"`
	// Checkpoint persists the updated weights when set.
	Checkpoint bool `json:"checkpoint,omitempty"`
}

// Learn applies one local update step to the policy of id.
func (r *Runtime) Learn(ctx context.Context, id string, in LearnInput) (EnvironmentInfo, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return EnvironmentInfo{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	shape := ent.env.Shape()
	switch p := ent.env.Policy().(type) {
	case *policy.TabularLookup:
		if err := learnTabular(p, shape, in); err != nil {
			return EnvironmentInfo{}, err
		}
	case *policy.LinearMap:
		if err := learnLinear(p, shape, in); err != nil {
			return EnvironmentInfo{}, err
		}
	default:
		return EnvironmentInfo{}, errs.UnsupportedAlgorithm("%s has no local update rule", p.Algorithm())
	}
	ent.updatedAt = r.now()
	if in.Checkpoint {
		r.checkpoint(ctx, ent, SourceLearn)
	}
	r.logger.Debug().Str("env_id", id).Msg("applied local update")
	return ent.info(), nil
}

func learnTabular(p *policy.TabularLookup, shape policy.Shape, in LearnInput) error {
	if in.Action == nil {
		return errs.InvalidActionSize(shape.Action, 0)
	}
	state, err := stateIndex(p, shape, in.State, in.Observation)
	if err != nil {
		return err
	}
	next, err := stateIndex(p, shape, in.NextState, in.NextObservation)
	if err != nil {
		return err
	}
	return p.UpdateQValue(state, *in.Action, in.Reward, next)
}

func stateIndex(p *policy.TabularLookup, shape policy.Shape, idx *int, obs []float32) (int, error) {
	if idx != nil {
		return *idx, nil
	}
	o, err := vec.ObservationFromSlice(shape.Obs, obs)
	if err != nil {
		return 0, err
	}
	return p.StateIndex(o), nil
}

func learnLinear(p *policy.LinearMap, shape policy.Shape, in LearnInput) error {
	obs, err := vec.ObservationFromSlice(shape.Obs, in.Observation)
	if err != nil {
		return err
	}
	target, err := vec.ActionFromSlice(shape.Action, in.Target)
	if err != nil {
		return err
	}
	current := p.Act(obs)
	if in.Current != nil {
		if current, err = vec.ActionFromSlice(shape.Action, in.Current); err != nil {
			return err
		}
	}
	return p.UpdateWeights(obs, target, current)
}

// Release drops id from the registry.
func (r *Runtime) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	ent, ok := r.envs[id]
	if ok {
		delete(r.envs, id)
	}
	count := len(r.envs)
	r.mu.Unlock()
	if !ok {
		return ErrEnvNotFound
	}
	r.metrics.Environments(count)

	ent.mu.Lock()
	alg := ent.env.State().Algorithm.String()
	ent.mu.Unlock()
	cleared := r.replay.Clear(ctx, id, nil, 0)
	if err := r.events.PublishLifecycle(ctx, events.LifecycleEvent{
		EnvID:     id,
		Event:     events.LifecycleReleased,
		Algorithm: alg,
		Label:     ent.label,
		At:        r.now(),
	}); err != nil {
		r.logger.Error().Err(err).Str("env_id", id).Msg("failed to publish lifecycle event")
	}
	r.logger.Info().Str("env_id", id).Uint64("transitions_cleared", cleared).Msg("environment released")
	return nil
}

// Checkpoints lists the checkpoints of id, newest first.
func (r *Runtime) Checkpoints(ctx context.Context, id string) ([]storage.Checkpoint, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return r.store.ListCheckpoints(ctx, id)
}

// Restore hot-swaps id back to a stored checkpoint. The checkpoint may come
// from any environment whose algorithm matches.
func (r *Runtime) Restore(ctx context.Context, id, checkpointID string) (EnvironmentInfo, error) {
	ent, err := r.lookup(id)
	if err != nil {
		return EnvironmentInfo{}, err
	}
	cp, err := r.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return EnvironmentInfo{}, err
	}

	ent.mu.Lock()
	info, err := r.swapLocked(ctx, ent, cp.Weights, SourceRestore, cp.ID)
	ent.mu.Unlock()
	if err != nil {
		return EnvironmentInfo{}, err
	}
	if err := r.events.PublishLifecycle(ctx, events.LifecycleEvent{
		EnvID:     id,
		Event:     events.LifecycleRestored,
		Algorithm: info.Algorithm,
		Label:     info.Label,
		At:        info.UpdatedAt,
	}); err != nil {
		r.logger.Error().Err(err).Str("env_id", id).Msg("failed to publish lifecycle event")
	}
	return info, nil
}

// Transitions returns the newest n recorded transitions of id.
func (r *Runtime) Transitions(ctx context.Context, id string, n int) ([]replay.Transition, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return r.replay.Recent(ctx, id, n), nil
}

// ReplayStats summarises the transition log of id.
func (r *Runtime) ReplayStats(ctx context.Context, id string) (replay.Stats, error) {
	if _, err := r.lookup(id); err != nil {
		return replay.Stats{}, err
	}
	return r.replay.Stats(ctx, id), nil
}

// Sample draws batchSize transitions of id uniformly.
func (r *Runtime) Sample(ctx context.Context, id string, batchSize int) ([]replay.Transition, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return r.replay.Sample(ctx, replay.SampleConfig{BatchSize: batchSize, EnvID: id})
}

// ClearResult reports the outcome of ClearTransitions.
type ClearResult struct {
	Cleared   uint64 `json:"cleared"`
	Remaining uint64 `json:"remaining"`
}

// ClearTransitions drops transitions of id older than before, then trims the
// rest to the newest keepLastN. With neither set every transition of id goes.
func (r *Runtime) ClearTransitions(ctx context.Context, id string, before *time.Time, keepLastN int) (ClearResult, error) {
	if _, err := r.lookup(id); err != nil {
		return ClearResult{}, err
	}
	cleared := r.replay.Clear(ctx, id, before, keepLastN)
	remaining := r.replay.Stats(ctx, id).TransitionsByEnv[id]
	r.logger.Info().Str("env_id", id).Uint64("cleared", cleared).Uint64("remaining", remaining).Msg("transitions cleared")
	return ClearResult{Cleared: cleared, Remaining: remaining}, nil
}

func (r *Runtime) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.envs[id]
	if !ok {
		return nil, ErrEnvNotFound
	}
	return ent, nil
}
