// Package vec provides the fixed-length float32 vector used for observations
// and actions.
package vec

import (
	"fmt"
	"math"

	"github.com/cartridge/policyrt/internal/errs"
)

// Vector is a fixed-length vector of float32 values. The length is set at
// construction and never changes; every operation returns a new Vector, so
// values can be copied and shared freely.
type Vector struct {
	data []float32
}

// Observation is the policy input.
type Observation = Vector

// Action is the policy output.
type Action = Vector

// Of builds a vector holding a copy of values.
func Of(values ...float32) Vector {
	data := make([]float32, len(values))
	copy(data, values)
	return Vector{data: data}
}

// Zeros returns a zero-filled vector of length n.
func Zeros(n int) Vector {
	if n < 0 {
		n = 0
	}
	return Vector{data: make([]float32, n)}
}

// ObservationFromSlice copies s into a new vector, failing with an
// observation size error when len(s) != n.
func ObservationFromSlice(n int, s []float32) (Vector, error) {
	if len(s) != n {
		return Vector{}, errs.InvalidObservationSize(n, len(s))
	}
	return Of(s...), nil
}

// ActionFromSlice copies s into a new vector, failing with an action size
// error when len(s) != n.
func ActionFromSlice(n int, s []float32) (Vector, error) {
	if len(s) != n {
		return Vector{}, errs.InvalidActionSize(n, len(s))
	}
	return Of(s...), nil
}

// Len returns the fixed length of v.
func (v Vector) Len() int { return len(v.data) }

// AsSlice returns a copy of the elements.
func (v Vector) AsSlice() []float32 {
	out := make([]float32, len(v.data))
	copy(out, v.data)
	return out
}

// Get returns the element at i; ok is false when i is out of range.
func (v Vector) Get(i int) (value float32, ok bool) {
	if i < 0 || i >= len(v.data) {
		return 0, false
	}
	return v.data[i], true
}

// At returns the element at i and panics when out of range, like a slice.
func (v Vector) At(i int) float32 { return v.data[i] }

// Set returns a copy of v with element i replaced. An out-of-range i fails
// with an observation size error reporting i+1 as the length the write would
// have required. Use SetAction on action vectors.
func (v Vector) Set(i int, value float32) (Vector, error) {
	return v.set(i, value, errs.InvalidObservationSize)
}

// SetAction is Set for action vectors: out-of-range writes fail with an
// action size error.
func (v Vector) SetAction(i int, value float32) (Vector, error) {
	return v.set(i, value, errs.InvalidActionSize)
}

func (v Vector) set(i int, value float32, sizeErr func(expected, actual int) *errs.Error) (Vector, error) {
	if i < 0 || i >= len(v.data) {
		return v, sizeErr(len(v.data), i+1)
	}
	out := v.clone()
	out.data[i] = value
	return out, nil
}

// Map applies f to every element.
func (v Vector) Map(f func(float32) float32) Vector {
	out := make([]float32, len(v.data))
	for i, x := range v.data {
		out[i] = f(x)
	}
	return Vector{data: out}
}

// Add returns v + w elementwise.
func (v Vector) Add(w Vector) Vector {
	return v.zip(w, func(a, b float32) float32 { return a + b })
}

// Sub returns v - w elementwise.
func (v Vector) Sub(w Vector) Vector {
	return v.zip(w, func(a, b float32) float32 { return a - b })
}

// Mul returns v * w elementwise.
func (v Vector) Mul(w Vector) Vector {
	return v.zip(w, func(a, b float32) float32 { return a * b })
}

// Div returns v / w elementwise. Positions where w is zero yield +Inf instead
// of failing, whatever the sign of the dividend.
func (v Vector) Div(w Vector) Vector {
	return v.zip(w, func(a, b float32) float32 {
		if b == 0 {
			return float32(math.Inf(1))
		}
		return a / b
	})
}

// Scale multiplies every element by factor.
func (v Vector) Scale(factor float32) Vector {
	return v.Map(func(x float32) float32 { return x * factor })
}

// Clamp limits every element to [lo, hi].
func (v Vector) Clamp(lo, hi float32) Vector {
	return v.Map(func(x float32) float32 {
		if x < lo {
			return lo
		}
		if x > hi {
			return hi
		}
		return x
	})
}

// Softmax returns exp(x - max) / sum, subtracting the running maximum first
// to keep the exponentials finite. The result is a distribution only for
// finite input: a NaN or +Inf element makes every output element NaN, and
// -Inf elements map to 0 while any element is finite.
func (v Vector) Softmax() Vector {
	if len(v.data) == 0 {
		return v
	}
	maxVal := v.Max()
	exps := make([]float64, len(v.data))
	var sum float64
	for i, x := range v.data {
		exps[i] = math.Exp(float64(x - maxVal))
		sum += exps[i]
	}
	out := make([]float32, len(v.data))
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return Vector{data: out}
}

// Argmax returns the index of the largest element. Ties go to the first
// index in scan order; an empty vector yields 0.
func (v Vector) Argmax() int {
	best := 0
	for i := 1; i < len(v.data); i++ {
		if v.data[i] > v.data[best] {
			best = i
		}
	}
	return best
}

// Max returns the largest element, or -Inf for an empty vector.
func (v Vector) Max() float32 {
	m := float32(math.Inf(-1))
	for _, x := range v.data {
		if x > m {
			m = x
		}
	}
	return m
}

// Min returns the smallest element, or +Inf for an empty vector.
func (v Vector) Min() float32 {
	m := float32(math.Inf(1))
	for _, x := range v.data {
		if x < m {
			m = x
		}
	}
	return m
}

// Dot returns the inner product of v and w.
func (v Vector) Dot(w Vector) float32 {
	v.mustMatch(w)
	var sum float32
	for i, x := range v.data {
		sum += x * w.data[i]
	}
	return sum
}

// Norm returns the L2 norm.
func (v Vector) Norm() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

// Normalize scales v to unit length; the zero vector stays zero.
func (v Vector) Normalize() Vector {
	n := v.Norm()
	if n == 0 {
		return Zeros(len(v.data))
	}
	return v.Map(func(x float32) float32 { return x / n })
}

// IsWithinBounds reports whether every element lies in the closed interval
// [lo, hi]. NaN is never within bounds.
func (v Vector) IsWithinBounds(lo, hi float32) bool {
	for _, x := range v.data {
		if !(x >= lo && x <= hi) {
			return false
		}
	}
	return true
}

// IsFinite reports whether no element is NaN or infinite.
func (v Vector) IsFinite() bool {
	for _, x := range v.data {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// Equal reports whether v and w hold bit-identical elements.
func (v Vector) Equal(w Vector) bool {
	if len(v.data) != len(w.data) {
		return false
	}
	for i := range v.data {
		if math.Float32bits(v.data[i]) != math.Float32bits(w.data[i]) {
			return false
		}
	}
	return true
}

func (v Vector) String() string {
	return fmt.Sprint(v.data)
}

func (v Vector) clone() Vector {
	return Of(v.data...)
}

func (v Vector) zip(w Vector, f func(a, b float32) float32) Vector {
	v.mustMatch(w)
	out := make([]float32, len(v.data))
	for i := range v.data {
		out[i] = f(v.data[i], w.data[i])
	}
	return Vector{data: out}
}

// Mixing lengths is a programming error, the same class as an out-of-range
// slice index.
func (v Vector) mustMatch(w Vector) {
	if len(v.data) != len(w.data) {
		panic(fmt.Sprintf("vec: length mismatch %d != %d", len(v.data), len(w.data)))
	}
}
