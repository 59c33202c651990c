// Package backend provides the vector-math kernels used by the policies: a
// dense matrix-vector product with bias and a handful of elementwise ops.
//
// Scalar is the reference implementation and always available. BLAS routes
// the same operations through gonum's blas32 kernels. Both must agree within
// float32 accumulation tolerance.
package backend

// Backend computes dense layer products and elementwise vector ops. All
// slices are caller-owned; implementations never retain them.
type Backend interface {
	Name() string

	// MatVec writes w·x + bias into out. w is rows×cols, row-major.
	// len(x) == cols, len(bias) == len(out) == rows.
	MatVec(w []float32, rows, cols int, x, bias, out []float32)

	Add(a, b, out []float32)
	Sub(a, b, out []float32)
	Mul(a, b, out []float32)
	Scale(a []float32, s float32, out []float32)
}

// Scalar is the portable reference backend.
type Scalar struct{}

var _ Backend = Scalar{}

func (Scalar) Name() string { return "scalar" }

func (Scalar) MatVec(w []float32, rows, cols int, x, bias, out []float32) {
	checkMatVec(w, rows, cols, x, bias, out)
	for i := 0; i < rows; i++ {
		sum := bias[i]
		row := w[i*cols : (i+1)*cols]
		for j, v := range row {
			sum += v * x[j]
		}
		out[i] = sum
	}
}

func (Scalar) Add(a, b, out []float32) {
	checkLen(a, b, out)
	for i := range out {
		out[i] = a[i] + b[i]
	}
}

func (Scalar) Sub(a, b, out []float32) {
	checkLen(a, b, out)
	for i := range out {
		out[i] = a[i] - b[i]
	}
}

func (Scalar) Mul(a, b, out []float32) {
	checkLen(a, b, out)
	for i := range out {
		out[i] = a[i] * b[i]
	}
}

func (Scalar) Scale(a []float32, s float32, out []float32) {
	checkLen(a, a, out)
	for i := range out {
		out[i] = a[i] * s
	}
}

func checkMatVec(w []float32, rows, cols int, x, bias, out []float32) {
	if len(w) != rows*cols || len(x) != cols || len(bias) != rows || len(out) != rows {
		panic("backend: matvec dimension mismatch")
	}
}

func checkLen(a, b, out []float32) {
	if len(a) != len(b) || len(a) != len(out) {
		panic("backend: length mismatch")
	}
}
