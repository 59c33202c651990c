// Package policy provides the action selection strategies a runtime
// environment can host and their binary weight formats.
package policy

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/cartridge/policyrt/internal/backend"
	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

// MaxParameters caps the number of float32 parameters a single policy may
// hold. Larger declared shapes fail with an out-of-memory error before any
// allocation happens.
const MaxParameters = 16 << 20

// Algorithm is the tag byte that leads every weight buffer.
type Algorithm uint8

const (
	Tabular     Algorithm = 0
	Linear      Algorithm = 1
	TinyNetwork Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case Tabular:
		return "tabular"
	case Linear:
		return "linear"
	case TinyNetwork:
		return "tiny_network"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm validates a tag byte.
func ParseAlgorithm(tag byte) (Algorithm, error) {
	switch a := Algorithm(tag); a {
	case Tabular, Linear, TinyNetwork:
		return a, nil
	default:
		return 0, errs.UnsupportedAlgorithm("unknown algorithm tag %d", tag)
	}
}

// ParseAlgorithmName accepts the names used in configuration and on the
// command line.
func ParseAlgorithmName(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tabular", "tabular_q", "q":
		return Tabular, nil
	case "linear", "linear_fa":
		return Linear, nil
	case "tiny_network", "tiny_nn", "network", "nn":
		return TinyNetwork, nil
	default:
		return 0, errs.UnsupportedAlgorithm("unknown algorithm %q", name)
	}
}

// Shape fixes the observation and action lengths for one runtime instance.
type Shape struct {
	Obs    int `json:"obs" yaml:"obs" mapstructure:"obs"`
	Action int `json:"action" yaml:"action" mapstructure:"action"`
}

// DefaultShape matches the dimensions of the embedded boundary.
var DefaultShape = Shape{Obs: 4, Action: 2}

func (s Shape) Validate() error {
	if s.Obs <= 0 || s.Action <= 0 {
		return fmt.Errorf("shape dimensions must be positive, got obs=%d action=%d", s.Obs, s.Action)
	}
	return nil
}

// Policy maps observations to actions and owns its parameters.
//
// Act must be called with an observation of length Shape().Obs; the
// environment enforces that before delegating. LoadWeights receives the
// payload without the algorithm tag and either replaces every parameter or
// leaves the policy untouched.
type Policy interface {
	Act(obs vec.Observation) vec.Action
	LoadWeights(payload []byte) error
	SerializeWeights() []byte
	Name() string
	Algorithm() Algorithm
	Shape() Shape

	// sealed restricts implementations to this package.
	sealed()
}

type options struct {
	backend backend.Backend
	rng     *rand.Rand
	epsilon float32
	arch    *Architecture
}

// Option customises policy construction.
type Option func(*options)

// WithBackend overrides the vector-math backend.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		if b != nil {
			o.backend = b
		}
	}
}

// WithRand supplies the exploration entropy for tabular policies.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rng = r
		}
	}
}

// WithSeed is WithRand over a fresh source seeded with seed.
func WithSeed(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

// WithEpsilon sets the tabular exploration rate. Values are clamped to [0, 1].
func WithEpsilon(eps float32) Option {
	return func(o *options) {
		o.epsilon = clampUnit(eps)
	}
}

// WithArchitecture declares the layer sizes and activations a TinyNetwork
// payload is decoded against.
func WithArchitecture(a Architecture) Option {
	return func(o *options) {
		o.arch = &a
	}
}

func buildOptions(opts []Option) options {
	o := options{epsilon: DefaultEpsilon}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = backend.Default()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// Decode builds the policy selected by alg from its tag-less payload.
func Decode(shape Shape, alg Algorithm, payload []byte, opts ...Option) (Policy, error) {
	if err := shape.Validate(); err != nil {
		return nil, errs.InvalidWeights("%v", err)
	}
	o := buildOptions(opts)
	switch alg {
	case Tabular:
		return decodeTabular(shape, payload, o)
	case Linear:
		return decodeLinear(shape, payload, o)
	case TinyNetwork:
		arch := DefaultArchitecture(shape)
		if o.arch != nil {
			arch = *o.arch
		}
		return decodeNetwork(shape, arch, payload, o)
	default:
		return nil, errs.UnsupportedAlgorithm("unknown algorithm tag %d", uint8(alg))
	}
}

// NewDefault builds a freshly initialised policy of the given algorithm, used
// to seed weight files.
func NewDefault(shape Shape, alg Algorithm, opts ...Option) (Policy, error) {
	if err := shape.Validate(); err != nil {
		return nil, errs.InvalidWeights("%v", err)
	}
	o := buildOptions(opts)
	switch alg {
	case Tabular:
		return newTabular(shape, DefaultStates, shape.Action, DefaultAlpha, DefaultGamma, o)
	case Linear:
		return newLinear(shape, DefaultLinearAlpha, o)
	case TinyNetwork:
		arch := DefaultArchitecture(shape)
		if o.arch != nil {
			arch = *o.arch
		}
		return newNetwork(shape, arch, o)
	default:
		return nil, errs.UnsupportedAlgorithm("unknown algorithm tag %d", uint8(alg))
	}
}

// checkParams rejects parameter counts over MaxParameters. The arithmetic is
// done in uint64 so hostile headers cannot overflow int.
func checkParams(counts ...uint64) error {
	var total uint64
	for _, c := range counts {
		total += c
		if c > MaxParameters || total > MaxParameters {
			return errs.OutOfMemory("policy needs more than %d parameters", MaxParameters)
		}
	}
	return nil
}

func clampUnit(x float32) float32 {
	switch {
	case math.IsNaN(float64(x)):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
