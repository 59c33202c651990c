// Package env sequences policy calls through reset and step and owns the
// counters and fingerprint of one runtime instance.
package env

import (
	"encoding/hex"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/safety"
	"github.com/cartridge/policyrt/internal/vec"
)

// MaxStateBytes bounds the size of State.
const MaxStateBytes = 1 << 20

// FingerprintSize is the number of leading weight-buffer bytes kept as the
// fingerprint.
const FingerprintSize = 32

// Fingerprint is a raw copy of the leading bytes of the last loaded weight
// buffer. It is a change marker, not a hash.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// FingerprintOf copies the first FingerprintSize bytes of buf, or returns all
// zeros when buf is shorter.
func FingerprintOf(buf []byte) Fingerprint {
	var f Fingerprint
	if len(buf) >= FingerprintSize {
		copy(f[:], buf[:FingerprintSize])
	}
	return f
}

// State is a snapshot of the environment counters.
type State struct {
	Observation vec.Observation
	Step        uint64
	Episode     uint64
	Algorithm   policy.Algorithm
	Fingerprint Fingerprint
}

// counters, algorithm tag and fingerprint
const stateFixedBytes = 8 + 8 + 1 + FingerprintSize

// StateSize estimates the bytes a State holds for shape.
func StateSize(shape policy.Shape) int {
	return stateFixedBytes + 4*shape.Obs
}

type options struct {
	shape      policy.Shape
	bounds     safety.Bounds
	policyOpts []policy.Option
}

// Option configures New.
type Option func(*options)

// WithShape sets the observation and action lengths. Defaults to
// policy.DefaultShape.
func WithShape(s policy.Shape) Option {
	return func(o *options) { o.shape = s }
}

// WithBounds narrows the action bounds used by CheckInvariant. Bounds wider
// than [-1, 1] are clamped.
func WithBounds(b safety.Bounds) Option {
	return func(o *options) { o.bounds = b.Clamp() }
}

// WithPolicyOptions forwards options to policy construction.
func WithPolicyOptions(opts ...policy.Option) Option {
	return func(o *options) { o.policyOpts = append(o.policyOpts, opts...) }
}

// Environment holds one policy and its interaction counters. It is not safe
// for concurrent use.
type Environment struct {
	shape  policy.Shape
	bounds safety.Bounds
	policy policy.Policy
	state  State
}

// New builds an environment from a tagged weight buffer.
func New(weights []byte, opts ...Option) (*Environment, error) {
	o := options{shape: policy.DefaultShape, bounds: safety.DefaultBounds}
	for _, opt := range opts {
		opt(&o)
	}
	if len(weights) == 0 {
		return nil, errs.InvalidWeights("empty weights data")
	}
	if o.shape.Obs > (MaxStateBytes-stateFixedBytes)/4 {
		return nil, errs.OutOfMemory("environment state for %d observations exceeds %d bytes", o.shape.Obs, MaxStateBytes)
	}
	alg, err := policy.ParseAlgorithm(weights[0])
	if err != nil {
		return nil, err
	}
	p, err := policy.Decode(o.shape, alg, weights[1:], o.policyOpts...)
	if err != nil {
		return nil, err
	}
	return &Environment{
		shape:  o.shape,
		bounds: o.bounds,
		policy: p,
		state: State{
			Observation: vec.Zeros(o.shape.Obs),
			Algorithm:   alg,
			Fingerprint: FingerprintOf(weights),
		},
	}, nil
}

func (e *Environment) Shape() policy.Shape { return e.shape }

// Policy exposes the hosted policy for single-step local updates.
func (e *Environment) Policy() policy.Policy { return e.policy }

// State returns a copy of the current counters and snapshot.
func (e *Environment) State() State { return e.state }

// Reset starts a new episode: step goes to 0 and episode increments.
func (e *Environment) Reset(obs vec.Observation) (vec.Action, error) {
	if obs.Len() != e.shape.Obs {
		return vec.Action{}, errs.InvalidObservationSize(e.shape.Obs, obs.Len())
	}
	e.state.Observation = obs
	e.state.Step = 0
	e.state.Episode++
	return e.policy.Act(obs), nil
}

// Step records obs and advances the step counter.
func (e *Environment) Step(obs vec.Observation) (vec.Action, error) {
	if obs.Len() != e.shape.Obs {
		return vec.Action{}, errs.InvalidObservationSize(e.shape.Obs, obs.Len())
	}
	e.state.Observation = obs
	e.state.Step++
	return e.policy.Act(obs), nil
}

// UpdateWeights hot-swaps the policy parameters from a tagged buffer. The tag
// must match the algorithm the environment was built with. On failure
// nothing changes.
func (e *Environment) UpdateWeights(weights []byte) error {
	if len(weights) == 0 {
		return errs.InvalidWeights("empty weights data")
	}
	alg, err := policy.ParseAlgorithm(weights[0])
	if err != nil {
		return err
	}
	if alg != e.state.Algorithm {
		return errs.ErrAlgorithmMismatch
	}
	if err := e.policy.LoadWeights(weights[1:]); err != nil {
		return err
	}
	if len(weights) >= FingerprintSize {
		e.state.Fingerprint = FingerprintOf(weights)
	}
	return nil
}

// Weights returns the tagged weight buffer of the current policy.
func (e *Environment) Weights() []byte {
	payload := e.policy.SerializeWeights()
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(e.state.Algorithm))
	return append(buf, payload...)
}

// CheckInvariant validates an observation/action pair against the
// environment's shape and bounds. It has no side effects.
func (e *Environment) CheckInvariant(obs vec.Observation, action vec.Action) error {
	if obs.Len() != e.shape.Obs {
		return errs.InvalidObservationSize(e.shape.Obs, obs.Len())
	}
	if action.Len() != e.shape.Action {
		return errs.InvalidActionSize(e.shape.Action, action.Len())
	}
	return e.bounds.Check(obs, action)
}
