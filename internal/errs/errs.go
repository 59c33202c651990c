// Package errs defines the closed error taxonomy shared by the runtime core.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error classes the core can report.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidWeights
	KindInvalidObservationSize
	KindInvalidActionSize
	KindInvariantViolation
	KindOutOfMemory
	KindSerialization
	KindUnsupportedAlgorithm
)

var kindNames = map[Kind]string{
	KindInternal:               "internal",
	KindInvalidWeights:         "invalid_weights",
	KindInvalidObservationSize: "invalid_observation_size",
	KindInvalidActionSize:      "invalid_action_size",
	KindInvariantViolation:     "invariant_violation",
	KindOutOfMemory:            "out_of_memory",
	KindSerialization:          "serialization",
	KindUnsupportedAlgorithm:   "unsupported_algorithm",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the single error type produced by the core. Size errors carry the
// expected and actual lengths; every other kind carries a short detail.
type Error struct {
	Kind     Kind
	Detail   string
	Expected int
	Actual   int
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidWeights:
		return "invalid weights data: " + e.Detail
	case KindInvalidObservationSize:
		return fmt.Sprintf("invalid observation size: expected %d, got %d", e.Expected, e.Actual)
	case KindInvalidActionSize:
		return fmt.Sprintf("invalid action size: expected %d, got %d", e.Expected, e.Actual)
	case KindInvariantViolation:
		return "safety invariant violation: " + e.Detail
	case KindOutOfMemory:
		return "out of memory: " + e.Detail
	case KindSerialization:
		return "serialization error: " + e.Detail
	case KindUnsupportedAlgorithm:
		return "algorithm not supported: " + e.Detail
	default:
		return "internal error: " + e.Detail
	}
}

// Is reports whether target is an *Error of the same kind. A target with a
// non-empty Detail additionally requires an exact detail match, which lets
// narrower sentinels such as ErrAlgorithmMismatch work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Detail == "" || t.Detail == e.Detail
}

// Sentinels for errors.Is.
var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrInvalidWeights         = &Error{Kind: KindInvalidWeights}
	ErrInvalidObservationSize = &Error{Kind: KindInvalidObservationSize}
	ErrInvalidActionSize      = &Error{Kind: KindInvalidActionSize}
	ErrInvariantViolation     = &Error{Kind: KindInvariantViolation}
	ErrOutOfMemory            = &Error{Kind: KindOutOfMemory}
	ErrSerialization          = &Error{Kind: KindSerialization}
	ErrUnsupportedAlgorithm   = &Error{Kind: KindUnsupportedAlgorithm}

	// ErrAlgorithmMismatch is returned when a hot-swap buffer is tagged for a
	// different algorithm than the one the environment was built with.
	ErrAlgorithmMismatch = &Error{Kind: KindInvalidWeights, Detail: "algorithm type mismatch"}
)

func InvalidWeights(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidWeights, Detail: fmt.Sprintf(format, args...)}
}

func InvalidObservationSize(expected, actual int) *Error {
	return &Error{Kind: KindInvalidObservationSize, Expected: expected, Actual: actual}
}

func InvalidActionSize(expected, actual int) *Error {
	return &Error{Kind: KindInvalidActionSize, Expected: expected, Actual: actual}
}

func InvariantViolation(format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Detail: fmt.Sprintf(format, args...)}
}

func OutOfMemory(format string, args ...any) *Error {
	return &Error{Kind: KindOutOfMemory, Detail: fmt.Sprintf(format, args...)}
}

func Serialization(format string, args ...any) *Error {
	return &Error{Kind: KindSerialization, Detail: fmt.Sprintf(format, args...)}
}

func UnsupportedAlgorithm(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupportedAlgorithm, Detail: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err, treating foreign errors as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
