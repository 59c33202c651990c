// Package safety validates observation/action pairs before an action leaves
// the runtime.
package safety

import (
	"math"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

// Bounds is the closed interval every action element must lie in.
type Bounds struct {
	Min float32 `mapstructure:"min" json:"min" yaml:"min"`
	Max float32 `mapstructure:"max" json:"max" yaml:"max"`
}

// DefaultBounds is [-1, 1].
var DefaultBounds = Bounds{Min: -1, Max: 1}

// Clamp narrows b to lie within DefaultBounds. An interval wider than
// [-1, 1] never admits more actions than the default.
func (b Bounds) Clamp() Bounds {
	if b.Min < DefaultBounds.Min {
		b.Min = DefaultBounds.Min
	}
	if b.Max > DefaultBounds.Max {
		b.Max = DefaultBounds.Max
	}
	return b
}

// Within reports whether b lies inside DefaultBounds.
func (b Bounds) Within() bool {
	return b.Min >= DefaultBounds.Min && b.Max <= DefaultBounds.Max && b.Min <= b.Max
}

// Check applies DefaultBounds.
func Check(obs vec.Observation, action vec.Action) error {
	return DefaultBounds.Check(obs, action)
}

// Check fails with an invariant violation when any obs or action element is
// NaN or infinite, or any action element lies outside b. b is clamped to
// DefaultBounds first.
func (b Bounds) Check(obs vec.Observation, action vec.Action) error {
	b = b.Clamp()
	if i, ok := firstNonFinite(obs); ok {
		return errs.InvariantViolation("observation[%d] is not finite", i)
	}
	if i, ok := firstNonFinite(action); ok {
		return errs.InvariantViolation("action[%d] is not finite", i)
	}
	for i, x := range action.AsSlice() {
		if x < b.Min || x > b.Max {
			return errs.InvariantViolation("action[%d]=%g outside [%g, %g]", i, x, b.Min, b.Max)
		}
	}
	return nil
}

func firstNonFinite(v vec.Vector) (int, bool) {
	for i, x := range v.AsSlice() {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return i, true
		}
	}
	return 0, false
}
