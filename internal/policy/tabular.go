package policy

import (
	"math"
	"math/rand"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

// Tabular defaults.
const (
	DefaultStates  = 10
	DefaultAlpha   = float32(0.1)
	DefaultGamma   = float32(0.9)
	DefaultEpsilon = float32(0.1)

	tabularHeaderSize = 16
)

// TabularLookup is an ε-greedy Q-table policy. The state is derived from the
// first observation element only.
//
// Wire layout: numStates u32, numActions u32, alpha f32, gamma f32, then
// numStates×numActions row-major Q-values. ε is runtime configuration and is
// not serialized.
type TabularLookup struct {
	shape      Shape
	numStates  int
	numActions int
	alpha      float32
	gamma      float32
	epsilon    float32
	q          []float32
	rng        *rand.Rand
}

var _ Policy = (*TabularLookup)(nil)

type tabularWeights struct {
	numStates  int
	numActions int
	alpha      float32
	gamma      float32
	q          []float32 // nil when the payload carried only the header
}

func parseTabular(payload []byte) (tabularWeights, error) {
	var w tabularWeights
	r := &wireReader{buf: payload}
	states, _ := r.u32()
	actions, _ := r.u32()
	alpha, _ := r.f32()
	gamma, ok := r.f32()
	if !ok {
		return w, errs.InvalidWeights("tabular payload shorter than %d-byte header", tabularHeaderSize)
	}
	if states == 0 || actions == 0 {
		return w, errs.InvalidWeights("tabular dimensions must be positive, got %dx%d", states, actions)
	}
	cells := uint64(states) * uint64(actions)
	if err := checkParams(cells); err != nil {
		return w, err
	}
	w = tabularWeights{
		numStates:  int(states),
		numActions: int(actions),
		alpha:      alpha,
		gamma:      gamma,
	}
	if r.remaining() == 0 {
		return w, nil
	}
	q, ok := r.f32s(int(cells))
	if !ok {
		return tabularWeights{}, errs.InvalidWeights("q-table needs %d bytes, got %d", cells*4, r.remaining())
	}
	if r.remaining() != 0 {
		return tabularWeights{}, errs.InvalidWeights("%d trailing bytes after q-table", r.remaining())
	}
	w.q = q
	return w, nil
}

func newTabular(shape Shape, states, actions int, alpha, gamma float32, o options) (*TabularLookup, error) {
	if states <= 0 || actions <= 0 {
		return nil, errs.InvalidWeights("tabular dimensions must be positive, got %dx%d", states, actions)
	}
	if err := checkParams(uint64(states) * uint64(actions)); err != nil {
		return nil, err
	}
	return &TabularLookup{
		shape:      shape,
		numStates:  states,
		numActions: actions,
		alpha:      alpha,
		gamma:      gamma,
		epsilon:    o.epsilon,
		q:          make([]float32, states*actions),
		rng:        o.rng,
	}, nil
}

// A header-only payload yields a zeroed table.
func decodeTabular(shape Shape, payload []byte, o options) (*TabularLookup, error) {
	w, err := parseTabular(payload)
	if err != nil {
		return nil, err
	}
	t, err := newTabular(shape, w.numStates, w.numActions, w.alpha, w.gamma, o)
	if err != nil {
		return nil, err
	}
	if w.q != nil {
		t.q = w.q
	}
	return t, nil
}

func (t *TabularLookup) Name() string         { return "TabularQLearning" }
func (t *TabularLookup) Algorithm() Algorithm { return Tabular }
func (t *TabularLookup) Shape() Shape         { return t.shape }
func (t *TabularLookup) sealed()              {}

// Act discretizes obs, picks an action ε-greedily and one-hot encodes it.
// Discrete indices beyond the action length produce an all-zero action.
func (t *TabularLookup) Act(obs vec.Observation) vec.Action {
	state := t.discretize(obs)
	idx := t.selectAction(state)
	action := make([]float32, t.shape.Action)
	if idx < len(action) {
		action[idx] = 1
	}
	return vec.Of(action...)
}

// discretize maps the first observation element from [-1, 1] onto
// [0, numStates), clamping out-of-range and NaN input.
func (t *TabularLookup) discretize(obs vec.Observation) int {
	v, ok := obs.Get(0)
	if !ok {
		return 0
	}
	s := (float64(v) + 1) * float64(t.numStates) / 2
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s >= float64(t.numStates):
		return t.numStates - 1
	default:
		return int(s)
	}
}

func (t *TabularLookup) selectAction(state int) int {
	if t.epsilon > 0 && t.rng.Float32() < t.epsilon {
		return t.rng.Intn(t.numActions)
	}
	return vec.Of(t.row(state)...).Argmax()
}

func (t *TabularLookup) row(state int) []float32 {
	return t.q[state*t.numActions : (state+1)*t.numActions]
}

// UpdateQValue applies one temporal-difference step:
// Q[s,a] += α·(reward + γ·max Q[next] − Q[s,a]).
func (t *TabularLookup) UpdateQValue(state, action int, reward float32, nextState int) error {
	if state < 0 || state >= t.numStates {
		return errs.InvalidObservationSize(t.numStates, state+1)
	}
	if nextState < 0 || nextState >= t.numStates {
		return errs.InvalidObservationSize(t.numStates, nextState+1)
	}
	if action < 0 || action >= t.numActions {
		return errs.InvalidActionSize(t.numActions, action+1)
	}
	maxNext := vec.Of(t.row(nextState)...).Max()
	cur := t.q[state*t.numActions+action]
	t.q[state*t.numActions+action] = cur + t.alpha*(reward+t.gamma*maxNext-cur)
	return nil
}

// QValue returns Q[state, action]; ok is false out of range.
func (t *TabularLookup) QValue(state, action int) (float32, bool) {
	if state < 0 || state >= t.numStates || action < 0 || action >= t.numActions {
		return 0, false
	}
	return t.q[state*t.numActions+action], true
}

// StateIndex exposes the discretization used by Act.
func (t *TabularLookup) StateIndex(obs vec.Observation) int { return t.discretize(obs) }

func (t *TabularLookup) Dimensions() (states, actions int) { return t.numStates, t.numActions }
func (t *TabularLookup) Alpha() float32                    { return t.alpha }
func (t *TabularLookup) Gamma() float32                    { return t.gamma }
func (t *TabularLookup) Epsilon() float32                  { return t.epsilon }

// SetEpsilon updates the exploration rate, clamped to [0, 1].
func (t *TabularLookup) SetEpsilon(eps float32) { t.epsilon = clampUnit(eps) }

// LoadWeights replaces α, γ and the Q-table. The payload must carry a full
// table with the dimensions this policy was built with.
func (t *TabularLookup) LoadWeights(payload []byte) error {
	w, err := parseTabular(payload)
	if err != nil {
		return err
	}
	if w.numStates != t.numStates || w.numActions != t.numActions {
		return errs.InvalidWeights("state/action dimensions mismatch: have %dx%d, got %dx%d",
			t.numStates, t.numActions, w.numStates, w.numActions)
	}
	if w.q == nil {
		return errs.InvalidWeights("q-table missing from payload")
	}
	t.alpha = w.alpha
	t.gamma = w.gamma
	t.q = w.q
	return nil
}

func (t *TabularLookup) SerializeWeights() []byte {
	buf := make([]byte, 0, tabularHeaderSize+4*len(t.q))
	buf = appendU32(buf, uint32(t.numStates))
	buf = appendU32(buf, uint32(t.numActions))
	buf = appendF32(buf, t.alpha)
	buf = appendF32(buf, t.gamma)
	return appendF32s(buf, t.q)
}
