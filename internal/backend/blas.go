package backend

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BLAS runs the kernels through gonum's blas32, which dispatches to assembly
// on amd64 and arm64.
type BLAS struct{}

var _ Backend = BLAS{}

func (BLAS) Name() string { return "blas" }

func (BLAS) MatVec(w []float32, rows, cols int, x, bias, out []float32) {
	checkMatVec(w, rows, cols, x, bias, out)
	copy(out, bias)
	if rows == 0 || cols == 0 {
		return
	}
	a := blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: w}
	blas32.Gemv(blas.NoTrans, 1, a, vector(x), 1, vector(out))
}

func (BLAS) Add(a, b, out []float32) {
	checkLen(a, b, out)
	copy(out, a)
	if len(out) == 0 {
		return
	}
	blas32.Axpy(1, vector(b), vector(out))
}

func (BLAS) Sub(a, b, out []float32) {
	checkLen(a, b, out)
	copy(out, a)
	if len(out) == 0 {
		return
	}
	blas32.Axpy(-1, vector(b), vector(out))
}

// Mul has no level-1 BLAS equivalent.
func (BLAS) Mul(a, b, out []float32) {
	Scalar{}.Mul(a, b, out)
}

func (BLAS) Scale(a []float32, s float32, out []float32) {
	checkLen(a, a, out)
	copy(out, a)
	if len(out) == 0 {
		return
	}
	blas32.Scal(s, vector(out))
}

func vector(s []float32) blas32.Vector {
	return blas32.Vector{N: len(s), Inc: 1, Data: s}
}
