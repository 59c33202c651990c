package policy

import (
	"fmt"
	"math"
	"strings"

	"github.com/cartridge/policyrt/internal/backend"
	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

// Activation is applied elementwise after each layer product. Its numeric
// value is the byte stored in the weight buffer.
type Activation uint8

const (
	ReLU Activation = iota
	Tanh
	Sigmoid
	Identity
)

var activationNames = map[Activation]string{
	ReLU:     "relu",
	Tanh:     "tanh",
	Sigmoid:  "sigmoid",
	Identity: "linear",
}

func (a Activation) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("activation(%d)", uint8(a))
}

func (a Activation) valid() bool {
	_, ok := activationNames[a]
	return ok
}

// ParseActivation resolves a configured activation name.
func ParseActivation(name string) (Activation, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, n := range activationNames {
		if n == name {
			return a, nil
		}
	}
	if name == "identity" {
		return Identity, nil
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

func (a Activation) apply(x float32) float32 {
	switch a {
	case ReLU:
		if x < 0 {
			return 0
		}
		return x
	case Tanh:
		return float32(math.Tanh(float64(x)))
	case Sigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	default:
		return x
	}
}

// Network layer limits: input and output plus at most three hidden layers.
const (
	MinLayers = 2
	MaxLayers = 5
)

// Architecture lists layer sizes from input to output and one activation per
// transition between consecutive layers.
type Architecture struct {
	Layers      []int        `json:"layers" yaml:"layers"`
	Activations []Activation `json:"activations" yaml:"activations"`
}

// DefaultArchitecture is [obs, 64, 32, action] with ReLU, ReLU, Tanh.
func DefaultArchitecture(shape Shape) Architecture {
	return Architecture{
		Layers:      []int{shape.Obs, 64, 32, shape.Action},
		Activations: []Activation{ReLU, ReLU, Tanh},
	}
}

// ArchitectureFor builds an architecture from hidden layer sizes and
// activations, using the tanh default for the output layer when activations
// is empty.
func ArchitectureFor(shape Shape, hidden []int, activations []string) (Architecture, error) {
	if len(hidden) == 0 && len(activations) == 0 {
		return DefaultArchitecture(shape), nil
	}
	layers := make([]int, 0, len(hidden)+2)
	layers = append(layers, shape.Obs)
	layers = append(layers, hidden...)
	layers = append(layers, shape.Action)

	acts := make([]Activation, 0, len(layers)-1)
	if len(activations) == 0 {
		for i := 0; i < len(layers)-2; i++ {
			acts = append(acts, ReLU)
		}
		acts = append(acts, Tanh)
	} else {
		for _, name := range activations {
			a, err := ParseActivation(name)
			if err != nil {
				return Architecture{}, err
			}
			acts = append(acts, a)
		}
	}
	arch := Architecture{Layers: layers, Activations: acts}
	return arch, arch.Validate(shape)
}

// Validate checks layer and activation counts and that the input layer
// matches the observation length.
func (a Architecture) Validate(shape Shape) error {
	if n := len(a.Layers); n < MinLayers || n > MaxLayers {
		return errs.InvalidWeights("network needs %d to %d layers, got %d", MinLayers, MaxLayers, n)
	}
	if len(a.Activations) != len(a.Layers)-1 {
		return errs.InvalidWeights("network needs %d activations, got %d", len(a.Layers)-1, len(a.Activations))
	}
	if a.Layers[0] != shape.Obs {
		return errs.InvalidWeights("input layer size %d does not match observation length %d", a.Layers[0], shape.Obs)
	}
	for i, size := range a.Layers {
		if size <= 0 {
			return errs.InvalidWeights("layer %d size must be positive, got %d", i, size)
		}
	}
	for i, act := range a.Activations {
		if !act.valid() {
			return errs.InvalidWeights("layer %d: unknown activation %d", i, uint8(act))
		}
	}
	return checkParams(a.paramCounts()...)
}

func (a Architecture) paramCounts() []uint64 {
	counts := make([]uint64, 0, 2*(len(a.Layers)-1))
	for i := 0; i+1 < len(a.Layers); i++ {
		in, out := uint64(a.Layers[i]), uint64(a.Layers[i+1])
		counts = append(counts, in*out, out)
	}
	return counts
}

// ParameterCount is the number of weights and biases the architecture holds.
func (a Architecture) ParameterCount() int {
	var total uint64
	for _, c := range a.paramCounts() {
		total += c
	}
	return int(total)
}

func (a Architecture) payloadSize() int {
	return 2 + len(a.Activations) + 4*a.ParameterCount()
}

func (a Architecture) clone() Architecture {
	return Architecture{
		Layers:      append([]int(nil), a.Layers...),
		Activations: append([]Activation(nil), a.Activations...),
	}
}

type layer struct {
	in, out int
	weights []float32 // out rows × in cols
	bias    []float32
}

// Network is a small feed-forward network. Its final layer output is
// truncated or zero-padded to the action length.
//
// Wire layout: layer count u16, one activation byte per transition, then per
// transition its out×in row-major weights followed by its bias. Layer sizes
// are not stored; they come from the declared Architecture.
type Network struct {
	shape   Shape
	arch    Architecture
	layers  []layer
	backend backend.Backend
}

var _ Policy = (*Network)(nil)

func newNetwork(shape Shape, arch Architecture, o options) (*Network, error) {
	if err := arch.Validate(shape); err != nil {
		return nil, err
	}
	n := &Network{shape: shape, arch: arch.clone(), backend: o.backend}
	n.layers = make([]layer, len(arch.Layers)-1)
	for i := range n.layers {
		in, out := arch.Layers[i], arch.Layers[i+1]
		l := layer{in: in, out: out, weights: make([]float32, in*out), bias: make([]float32, out)}
		scale := math.Sqrt(2 / float64(in))
		for r := 0; r < out; r++ {
			for c := 0; c < in; c++ {
				l.weights[r*in+c] = float32(float64(r+c) * scale * 0.01)
			}
		}
		n.layers[i] = l
	}
	return n, nil
}

func parseNetwork(arch Architecture, payload []byte) ([]Activation, []layer, error) {
	r := &wireReader{buf: payload}
	count, ok := r.u16()
	if !ok {
		return nil, nil, errs.InvalidWeights("network payload shorter than layer count")
	}
	if count < MinLayers || count > MaxLayers {
		return nil, nil, errs.InvalidWeights("invalid number of layers %d", count)
	}
	if int(count) != len(arch.Layers) {
		return nil, nil, errs.InvalidWeights("layer count mismatch: architecture has %d, payload has %d", len(arch.Layers), count)
	}
	if want := arch.payloadSize(); len(payload) != want {
		return nil, nil, errs.InvalidWeights("network payload must be %d bytes, got %d", want, len(payload))
	}
	tags, _ := r.bytes(int(count) - 1)
	acts := make([]Activation, len(tags))
	for i, tag := range tags {
		acts[i] = Activation(tag)
		if !acts[i].valid() {
			return nil, nil, errs.InvalidWeights("layer %d: unknown activation %d", i, tag)
		}
	}
	layers := make([]layer, len(arch.Layers)-1)
	for i := range layers {
		in, out := arch.Layers[i], arch.Layers[i+1]
		w, _ := r.f32s(in * out)
		b, _ := r.f32s(out)
		layers[i] = layer{in: in, out: out, weights: w, bias: b}
	}
	return acts, layers, nil
}

func decodeNetwork(shape Shape, arch Architecture, payload []byte, o options) (*Network, error) {
	if err := arch.Validate(shape); err != nil {
		return nil, err
	}
	acts, layers, err := parseNetwork(arch, payload)
	if err != nil {
		return nil, err
	}
	arch = arch.clone()
	arch.Activations = acts
	return &Network{shape: shape, arch: arch, layers: layers, backend: o.backend}, nil
}

func (n *Network) Name() string         { return "TinyNN" }
func (n *Network) Algorithm() Algorithm { return TinyNetwork }
func (n *Network) Shape() Shape         { return n.shape }
func (n *Network) sealed()              {}

// Architecture returns a copy of the layer sizes and activations.
func (n *Network) Architecture() Architecture { return n.arch.clone() }

func (n *Network) Act(obs vec.Observation) vec.Action {
	cur := obs.AsSlice()
	for i, l := range n.layers {
		next := make([]float32, l.out)
		n.backend.MatVec(l.weights, l.out, l.in, cur, l.bias, next)
		act := n.arch.Activations[i]
		for j, v := range next {
			next[j] = act.apply(v)
		}
		cur = next
	}
	out := make([]float32, n.shape.Action)
	copy(out, cur)
	return vec.Of(out...)
}

// Weight returns the weight from input in to output out of layer idx.
func (n *Network) Weight(idx, out, in int) (float32, bool) {
	if idx < 0 || idx >= len(n.layers) {
		return 0, false
	}
	l := n.layers[idx]
	if out < 0 || out >= l.out || in < 0 || in >= l.in {
		return 0, false
	}
	return l.weights[out*l.in+in], true
}

// LoadWeights replaces every layer and the activations. The payload's layer
// count must match the architecture this network was built with.
func (n *Network) LoadWeights(payload []byte) error {
	acts, layers, err := parseNetwork(n.arch, payload)
	if err != nil {
		return err
	}
	n.arch.Activations = acts
	n.layers = layers
	return nil
}

func (n *Network) SerializeWeights() []byte {
	buf := make([]byte, 0, n.arch.payloadSize())
	buf = appendU16(buf, uint16(len(n.arch.Layers)))
	for _, a := range n.arch.Activations {
		buf = append(buf, byte(a))
	}
	for _, l := range n.layers {
		buf = appendF32s(buf, l.weights)
		buf = appendF32s(buf, l.bias)
	}
	return buf
}
