package service

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/events"
	"github.com/cartridge/policyrt/internal/metrics"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/replay"
	"github.com/cartridge/policyrt/internal/storage"
	"github.com/cartridge/policyrt/internal/vec"
)

type recordingPublisher struct {
	mu         sync.Mutex
	lifecycle  []events.LifecycleEvent
	weights    []events.WeightsEvent
	invariants []events.InvariantEvent
}

func (p *recordingPublisher) PublishLifecycle(_ context.Context, e events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifecycle = append(p.lifecycle, e)
	return nil
}

func (p *recordingPublisher) PublishWeights(_ context.Context, e events.WeightsEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights = append(p.weights, e)
	return nil
}

func (p *recordingPublisher) PublishInvariant(_ context.Context, e events.InvariantEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invariants = append(p.invariants, e)
	return nil
}

type failingStore struct {
	storage.CheckpointStore
}

func (failingStore) SaveCheckpoint(context.Context, storage.Checkpoint) error {
	return errors.New("disk full")
}

func weightsFor(t *testing.T, alg policy.Algorithm) []byte {
	t.Helper()
	p, err := policy.NewDefault(policy.DefaultShape, alg, policy.WithSeed(1))
	require.NoError(t, err)
	return append([]byte{byte(alg)}, p.SerializeWeights()...)
}

func newTestRuntime(t *testing.T) (*Runtime, *recordingPublisher, storage.CheckpointStore) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	pub := &recordingPublisher{}
	store := storage.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	cfg.Seed = 7
	rt := NewRuntime(cfg, store, pub, replay.NewBuffer(100), metrics.NewCollector(logger), &logger)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	rt.WithNow(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
	return rt, pub, store
}

func TestCreateEnvironment(t *testing.T) {
	rt, pub, store := newTestRuntime(t)
	ctx := context.Background()

	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "cartpole")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "linear", info.Algorithm)
	assert.Equal(t, "LinearFA", info.Policy)
	assert.Equal(t, "cartpole", info.Label)
	assert.Equal(t, uint64(0), info.Episode)

	require.Len(t, pub.lifecycle, 1)
	assert.Equal(t, events.LifecycleCreated, pub.lifecycle[0].Event)

	cps, err := store.ListCheckpoints(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, SourceCreate, cps[0].Reason)
	assert.Equal(t, weightsFor(t, policy.Linear), cps[0].Weights)
	assert.Equal(t, 1, rt.Len())
}

func TestCreateEnvironmentRejectsBadWeights(t *testing.T) {
	rt, pub, _ := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.CreateEnvironment(ctx, nil, "")
	assert.ErrorIs(t, err, errs.ErrInvalidWeights)

	_, err = rt.CreateEnvironment(ctx, []byte{9}, "")
	assert.ErrorIs(t, err, errs.ErrUnsupportedAlgorithm)

	_, err = rt.CreateEnvironment(ctx, []byte{byte(policy.Linear), 1, 2}, "")
	assert.ErrorIs(t, err, errs.ErrInvalidWeights)

	assert.Equal(t, 0, rt.Len())
	assert.Empty(t, pub.lifecycle)
}

func TestCreateEnvironmentSurvivesStoreFailure(t *testing.T) {
	logger := zerolog.New(io.Discard)
	rt := NewRuntime(DefaultConfig(), failingStore{storage.NewMemoryStore()}, events.NoopPublisher{},
		replay.NewBuffer(0), metrics.NewCollector(logger), &logger)
	_, err := rt.CreateEnvironment(context.Background(), weightsFor(t, policy.Linear), "")
	assert.NoError(t, err)
}

func TestResetAndStep(t *testing.T) {
	rt, pub, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	res, err := rt.Reset(ctx, info.ID, vec.Of(0.1, 0.2, 0.3, 0.4))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Episode)
	assert.Equal(t, uint64(0), res.Step)
	assert.Equal(t, 2, res.Action.Len())
	assert.Empty(t, res.Violation)

	for i := 1; i <= 3; i++ {
		res, err = rt.Step(ctx, info.ID, vec.Of(0.1, 0.2, 0.3, 0.4))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Step)
	}

	_, err = rt.Step(ctx, info.ID, vec.Of(1, 2))
	assert.ErrorIs(t, err, errs.ErrInvalidObservationSize)

	got, err := rt.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Step, "failed step leaves counters untouched")
	assert.Equal(t, uint64(1), got.Episode)
	assert.Empty(t, pub.invariants)

	transitions, err := rt.Transitions(ctx, info.ID, 0)
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	assert.Equal(t, replay.KindReset, transitions[0].Kind)
	assert.Equal(t, replay.KindStep, transitions[3].Kind)

	stats, err := rt.ReplayStats(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.TotalTransitions)

	batch, err := rt.Sample(ctx, info.ID, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestStepReportsInvariantViolation(t *testing.T) {
	rt, pub, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	nan := float32(math.NaN())
	res, err := rt.Step(ctx, info.ID, vec.Of(nan, 0, 0, 0))
	require.NoError(t, err)
	assert.Contains(t, res.Violation, "not finite")

	require.Len(t, pub.invariants, 1)
	assert.Equal(t, info.ID, pub.invariants[0].EnvID)
	assert.Equal(t, uint64(1), pub.invariants[0].Step)

	stats, err := rt.ReplayStats(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Violations)
}

func TestStepWithoutEnforcementSkipsCheck(t *testing.T) {
	rt, pub, _ := newTestRuntime(t)
	rt.cfg.EnforceInvariant = false
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	res, err := rt.Step(ctx, info.ID, vec.Of(float32(math.Inf(1)), 0, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, res.Violation)
	assert.Empty(t, pub.invariants)
}

func TestCheckInvariant(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	obs := vec.Of(0, 0, 0, 0)
	assert.NoError(t, rt.CheckInvariant(ctx, info.ID, obs, vec.Of(0.5, -1)))
	assert.ErrorIs(t, rt.CheckInvariant(ctx, info.ID, obs, vec.Of(1.5, 0)), errs.ErrInvariantViolation)
	assert.ErrorIs(t, rt.CheckInvariant(ctx, info.ID, obs, vec.Of(0)), errs.ErrInvalidActionSize)

	got, err := rt.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Step)
}

func TestUpdateWeights(t *testing.T) {
	rt, pub, store := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	p, err := policy.NewDefault(policy.DefaultShape, policy.Linear)
	require.NoError(t, err)
	lin := p.(*policy.LinearMap)
	require.NoError(t, lin.UpdateWeights(vec.Of(1, 1, 1, 1), vec.Of(1, 1), vec.Of(0, 0)))
	next := append([]byte{byte(policy.Linear)}, lin.SerializeWeights()...)

	updated, err := rt.UpdateWeights(ctx, info.ID, next, SourceAPI)
	require.NoError(t, err)
	assert.NotEqual(t, info.Fingerprint, updated.Fingerprint)

	got, err := rt.Weights(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	require.Len(t, pub.weights, 1)
	assert.True(t, pub.weights[0].Accepted)
	assert.NotEmpty(t, pub.weights[0].CheckpointID)
	assert.Equal(t, SourceAPI, pub.weights[0].Source)

	cps, err := store.ListCheckpoints(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
	assert.Equal(t, SourceAPI, cps[0].Reason)
}

func TestUpdateWeightsRejectsMismatchWithoutChange(t *testing.T) {
	rt, pub, store := newTestRuntime(t)
	ctx := context.Background()
	before := weightsFor(t, policy.Linear)
	info, err := rt.CreateEnvironment(ctx, before, "")
	require.NoError(t, err)

	_, err = rt.UpdateWeights(ctx, info.ID, weightsFor(t, policy.Tabular), SourceWatch)
	assert.ErrorIs(t, err, errs.ErrAlgorithmMismatch)

	_, err = rt.UpdateWeights(ctx, info.ID, before[:10], SourceWatch)
	assert.ErrorIs(t, err, errs.ErrInvalidWeights)

	got, err := rt.Weights(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, before, got)

	require.Len(t, pub.weights, 2)
	assert.False(t, pub.weights[0].Accepted)
	assert.NotEmpty(t, pub.weights[0].Error)

	cps, err := store.ListCheckpoints(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1, "rejected buffers are not checkpointed")
}

func TestLearnTabular(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Tabular), "")
	require.NoError(t, err)

	state, action := 0, 1
	_, err = rt.Learn(ctx, info.ID, LearnInput{State: &state, Action: &action, Reward: 1, NextState: &state})
	require.NoError(t, err)

	ent, err := rt.lookup(info.ID)
	require.NoError(t, err)
	q, ok := ent.env.Policy().(*policy.TabularLookup).QValue(0, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.1, q, 1e-6)

	// observation-derived state index
	_, err = rt.Learn(ctx, info.ID, LearnInput{
		Action:          &action,
		Reward:          1,
		Observation:     []float32{0, 0, 0, 0},
		NextObservation: []float32{0, 0, 0, 0},
	})
	require.NoError(t, err)

	res, err := rt.Reset(ctx, info.ID, vec.Of(0, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Action.Argmax(), "greedy action follows the learned value")

	bad := 99
	_, err = rt.Learn(ctx, info.ID, LearnInput{State: &bad, Action: &action, NextState: &state})
	assert.ErrorIs(t, err, errs.ErrInvalidObservationSize)

	_, err = rt.Learn(ctx, info.ID, LearnInput{State: &state, NextState: &state})
	assert.ErrorIs(t, err, errs.ErrInvalidActionSize)
}

func TestLearnLinear(t *testing.T) {
	rt, _, store := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	obs := vec.Of(1, 1, 1, 1)
	before, err := rt.Step(ctx, info.ID, obs)
	require.NoError(t, err)

	_, err = rt.Learn(ctx, info.ID, LearnInput{
		Observation: obs.AsSlice(),
		Target:      []float32{1, 1},
		Checkpoint:  true,
	})
	require.NoError(t, err)

	after, err := rt.Step(ctx, info.ID, obs)
	require.NoError(t, err)
	assert.Greater(t, after.Action.At(0), before.Action.At(0))
	assert.Greater(t, after.Action.At(1), before.Action.At(1))

	cps, err := store.ListCheckpoints(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, SourceLearn, cps[0].Reason)

	_, err = rt.Learn(ctx, info.ID, LearnInput{Observation: obs.AsSlice(), Target: []float32{1}})
	assert.ErrorIs(t, err, errs.ErrInvalidActionSize)
}

func TestLearnNetworkUnsupported(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.TinyNetwork), "")
	require.NoError(t, err)

	_, err = rt.Learn(ctx, info.ID, LearnInput{})
	assert.ErrorIs(t, err, errs.ErrUnsupportedAlgorithm)
}

func TestRestore(t *testing.T) {
	rt, pub, store := newTestRuntime(t)
	ctx := context.Background()
	original := weightsFor(t, policy.Linear)
	info, err := rt.CreateEnvironment(ctx, original, "")
	require.NoError(t, err)

	_, err = rt.Learn(ctx, info.ID, LearnInput{Observation: []float32{1, 1, 1, 1}, Target: []float32{1, 1}})
	require.NoError(t, err)
	changed, err := rt.Weights(ctx, info.ID)
	require.NoError(t, err)
	require.NotEqual(t, original, changed)

	cps, err := rt.Checkpoints(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	restored, err := rt.Restore(ctx, info.ID, cps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, restored.ID)

	got, err := rt.Weights(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	require.Len(t, pub.lifecycle, 2)
	assert.Equal(t, events.LifecycleRestored, pub.lifecycle[1].Event)
	require.Len(t, pub.weights, 1)
	assert.Equal(t, cps[0].ID, pub.weights[0].CheckpointID)

	all, err := store.ListCheckpoints(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "restores do not create checkpoints")

	_, err = rt.Restore(ctx, info.ID, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreAcrossAlgorithmsFails(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	tab, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Tabular), "")
	require.NoError(t, err)
	lin, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	cps, err := rt.Checkpoints(ctx, tab.ID)
	require.NoError(t, err)
	_, err = rt.Restore(ctx, lin.ID, cps[0].ID)
	assert.ErrorIs(t, err, errs.ErrAlgorithmMismatch)
}

func TestListAndRelease(t *testing.T) {
	rt, pub, _ := newTestRuntime(t)
	ctx := context.Background()
	a, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "a")
	require.NoError(t, err)
	b, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Tabular), "b")
	require.NoError(t, err)

	list := rt.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	require.NoError(t, rt.Release(ctx, a.ID))
	assert.ErrorIs(t, rt.Release(ctx, a.ID), ErrEnvNotFound)
	_, err = rt.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrEnvNotFound)
	_, err = rt.Step(ctx, a.ID, vec.Of(0, 0, 0, 0))
	assert.ErrorIs(t, err, ErrEnvNotFound)
	_, err = rt.Checkpoints(ctx, a.ID)
	assert.ErrorIs(t, err, ErrEnvNotFound)

	assert.Len(t, rt.List(ctx), 1)
	assert.Equal(t, events.LifecycleReleased, pub.lifecycle[len(pub.lifecycle)-1].Event)
}

func TestReleaseDropsTransitions(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	a, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "a")
	require.NoError(t, err)
	b, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "b")
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		_, err = rt.Reset(ctx, id, vec.Of(0, 0, 0, 0))
		require.NoError(t, err)
		_, err = rt.Step(ctx, id, vec.Of(0.1, 0.1, 0.1, 0.1))
		require.NoError(t, err)
	}
	require.Equal(t, 4, rt.replay.Len())

	require.NoError(t, rt.Release(ctx, a.ID))
	assert.Equal(t, 2, rt.replay.Len())
	assert.Empty(t, rt.replay.Recent(ctx, a.ID, 0))
	assert.Len(t, rt.replay.Recent(ctx, b.ID, 0), 2)
}

func TestClearTransitions(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)
	_, err = rt.Reset(ctx, info.ID, vec.Of(0, 0, 0, 0))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = rt.Step(ctx, info.ID, vec.Of(0.1, 0.1, 0.1, 0.1))
		require.NoError(t, err)
	}

	res, err := rt.ClearTransitions(ctx, info.ID, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, ClearResult{Cleared: 3, Remaining: 2}, res)
	kept, err := rt.Transitions(ctx, info.ID, 0)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, uint64(4), kept[1].Step)

	res, err = rt.ClearTransitions(ctx, info.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ClearResult{Cleared: 2, Remaining: 0}, res)
	_, err = rt.Sample(ctx, info.ID, 1)
	assert.ErrorIs(t, err, replay.ErrEmpty)

	_, err = rt.ClearTransitions(ctx, "missing", nil, 0)
	assert.ErrorIs(t, err, ErrEnvNotFound)
}

func TestConcurrentStepsAreSerialized(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	info, err := rt.CreateEnvironment(ctx, weightsFor(t, policy.Linear), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := rt.Step(ctx, info.ID, vec.Of(0.1, 0.1, 0.1, 0.1)); err != nil {
					t.Errorf("step: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := rt.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.Step)
}
