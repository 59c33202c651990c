package backend

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Features is the subset of host capabilities backend selection looks at.
type Features struct {
	Arch     string `json:"arch" yaml:"arch"`
	HasSSE2  bool   `json:"sse2" yaml:"sse2"`
	HasAVX2  bool   `json:"avx2" yaml:"avx2"`
	HasFMA   bool   `json:"fma" yaml:"fma"`
	HasASIMD bool   `json:"asimd" yaml:"asimd"`
}

// Accelerated reports whether the host has vector units the blas32 assembly
// kernels use.
func (f Features) Accelerated() bool {
	switch f.Arch {
	case "amd64":
		return f.HasSSE2
	case "arm64":
		return f.HasASIMD
	default:
		return false
	}
}

// Detect reads the running host's features.
func Detect() Features {
	return Features{
		Arch:     runtime.GOARCH,
		HasSSE2:  cpu.X86.HasSSE2,
		HasAVX2:  cpu.X86.HasAVX2,
		HasFMA:   cpu.X86.HasFMA,
		HasASIMD: cpu.ARM64.HasASIMD,
	}
}

// ForFeatures picks a backend for f. It has no side effects and always
// returns the same backend for the same input.
func ForFeatures(f Features) Backend {
	if f.Accelerated() {
		return BLAS{}
	}
	return Scalar{}
}

var (
	defaultOnce    sync.Once
	defaultBackend Backend
)

// Default returns the backend selected for this process. Detection runs once.
func Default() Backend {
	defaultOnce.Do(func() {
		defaultBackend = ForFeatures(Detect())
	})
	return defaultBackend
}

// ByName resolves a configured backend name. "auto" and "" defer to Default.
func ByName(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return Default(), nil
	case "scalar":
		return Scalar{}, nil
	case "blas":
		return BLAS{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
