package policy

import (
	"math"

	"github.com/cartridge/policyrt/internal/backend"
	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

// DefaultLinearAlpha is the learning rate of a freshly initialised LinearMap.
const DefaultLinearAlpha = float32(0.01)

const linearHeaderSize = 4

// LinearMap computes tanh(W·obs + b), so every output lies in [-1, 1].
//
// Wire layout: alpha f32, then Action×Obs row-major weights, then Action
// biases.
type LinearMap struct {
	shape   Shape
	weights []float32 // Action rows × Obs cols
	bias    []float32
	alpha   float32
	backend backend.Backend
}

var _ Policy = (*LinearMap)(nil)

func newLinear(shape Shape, alpha float32, o options) (*LinearMap, error) {
	if err := checkParams(uint64(shape.Action)*uint64(shape.Obs), uint64(shape.Action)); err != nil {
		return nil, err
	}
	l := &LinearMap{
		shape:   shape,
		weights: make([]float32, shape.Action*shape.Obs),
		bias:    make([]float32, shape.Action),
		alpha:   alpha,
		backend: o.backend,
	}
	for i := 0; i < shape.Action; i++ {
		for j := 0; j < shape.Obs; j++ {
			l.weights[i*shape.Obs+j] = float32(i+j) * 0.01
		}
	}
	return l, nil
}

func linearPayloadSize(shape Shape) int {
	return linearHeaderSize + 4*(shape.Action*shape.Obs+shape.Action)
}

func parseLinear(shape Shape, payload []byte) (alpha float32, weights, bias []float32, err error) {
	if err := checkParams(uint64(shape.Action)*uint64(shape.Obs), uint64(shape.Action)); err != nil {
		return 0, nil, nil, err
	}
	if want := linearPayloadSize(shape); len(payload) != want {
		return 0, nil, nil, errs.InvalidWeights("linear payload must be %d bytes, got %d", want, len(payload))
	}
	r := &wireReader{buf: payload}
	alpha, _ = r.f32()
	weights, _ = r.f32s(shape.Action * shape.Obs)
	bias, _ = r.f32s(shape.Action)
	return alpha, weights, bias, nil
}

func decodeLinear(shape Shape, payload []byte, o options) (*LinearMap, error) {
	alpha, weights, bias, err := parseLinear(shape, payload)
	if err != nil {
		return nil, err
	}
	return &LinearMap{shape: shape, weights: weights, bias: bias, alpha: alpha, backend: o.backend}, nil
}

func (l *LinearMap) Name() string         { return "LinearFA" }
func (l *LinearMap) Algorithm() Algorithm { return Linear }
func (l *LinearMap) Shape() Shape         { return l.shape }
func (l *LinearMap) Alpha() float32       { return l.alpha }
func (l *LinearMap) sealed()              {}

func (l *LinearMap) Act(obs vec.Observation) vec.Action {
	out := make([]float32, l.shape.Action)
	l.backend.MatVec(l.weights, l.shape.Action, l.shape.Obs, obs.AsSlice(), l.bias, out)
	for i, v := range out {
		out[i] = float32(math.Tanh(float64(v)))
	}
	return vec.Of(out...)
}

// Weight returns W[i][j]; ok is false out of range.
func (l *LinearMap) Weight(i, j int) (float32, bool) {
	if i < 0 || i >= l.shape.Action || j < 0 || j >= l.shape.Obs {
		return 0, false
	}
	return l.weights[i*l.shape.Obs+j], true
}

// Bias returns b[i]; ok is false out of range.
func (l *LinearMap) Bias(i int) (float32, bool) {
	if i < 0 || i >= len(l.bias) {
		return 0, false
	}
	return l.bias[i], true
}

// UpdateWeights takes one gradient step moving current towards target:
// W[i][j] += α·(target−current)[i]·obs[j] and b[i] += α·(target−current)[i].
func (l *LinearMap) UpdateWeights(obs vec.Observation, target, current vec.Action) error {
	if obs.Len() != l.shape.Obs {
		return errs.InvalidObservationSize(l.shape.Obs, obs.Len())
	}
	if target.Len() != l.shape.Action {
		return errs.InvalidActionSize(l.shape.Action, target.Len())
	}
	if current.Len() != l.shape.Action {
		return errs.InvalidActionSize(l.shape.Action, current.Len())
	}
	grad := make([]float32, l.shape.Action)
	l.backend.Sub(target.AsSlice(), current.AsSlice(), grad)
	l.backend.Scale(grad, l.alpha, grad)

	x := obs.AsSlice()
	row := make([]float32, l.shape.Obs)
	for i, g := range grad {
		w := l.weights[i*l.shape.Obs : (i+1)*l.shape.Obs]
		l.backend.Scale(x, g, row)
		l.backend.Add(w, row, w)
		l.bias[i] += g
	}
	return nil
}

func (l *LinearMap) LoadWeights(payload []byte) error {
	alpha, weights, bias, err := parseLinear(l.shape, payload)
	if err != nil {
		return err
	}
	l.alpha, l.weights, l.bias = alpha, weights, bias
	return nil
}

func (l *LinearMap) SerializeWeights() []byte {
	buf := make([]byte, 0, linearPayloadSize(l.shape))
	buf = appendF32(buf, l.alpha)
	buf = appendF32s(buf, l.weights)
	return appendF32s(buf, l.bias)
}
