package ndarray

import (
	"math/rand"
	"unsafe"

	"gonum.org/v1/gonum/mat"
)

// Linspace returns n evenly spaced values from lo to hi inclusive.
func Linspace[T Real](lo, hi T, n int) []T {
	out := make([]T, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / T(n-1)
	for i := range out {
		out[i] = lo + T(i)*step
	}
	return out
}

// Rand returns a rows×cols array of uniform [0,1) values.
func Rand[T Real](rng *rand.Rand, order Order, rows, cols int) *Array[T] {
	data := make([]T, rows*cols)
	for i := range data {
		data[i] = T(rng.Float64())
	}
	return New(data, order, rows, cols)
}

// ComplexFromInterleaved reinterprets (real, imaginary) pairs as complex128
// values. The result aliases re; len(re) must be even.
func ComplexFromInterleaved(re []float64) []complex128 {
	if len(re)%2 != 0 {
		panic("ndarray.ComplexFromInterleaved: odd number of slots")
	}
	if len(re) == 0 {
		return nil
	}
	return unsafe.Slice((*complex128)(unsafe.Pointer(unsafe.SliceData(re))), len(re)/2)
}

// Complex64FromInterleaved is ComplexFromInterleaved for single precision.
func Complex64FromInterleaved(re []float32) []complex64 {
	if len(re)%2 != 0 {
		panic("ndarray.Complex64FromInterleaved: odd number of slots")
	}
	if len(re) == 0 {
		return nil
	}
	return unsafe.Slice((*complex64)(unsafe.Pointer(unsafe.SliceData(re))), len(re)/2)
}

// Interleaved returns the storage slots of c as (real, imaginary) pairs.
// The result aliases c.
func Interleaved(c []complex128) []float64 {
	if len(c) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(unsafe.SliceData(c))), 2*len(c))
}

// ComplexNumbersFor builds complex values with zero imaginary parts.
func ComplexNumbersFor(re []float64) []complex128 {
	out := make([]complex128, len(re))
	for i, v := range re {
		out[i] = complex(v, 0)
	}
	return out
}

// FromDense views a gonum matrix without copying. Sub-matrices obtained with
// Slice keep the parent's row stride and therefore come back as gapped views.
func FromDense(m *mat.Dense) *Array[float64] {
	raw := m.RawMatrix()
	return View(raw.Data, []int{raw.Rows, raw.Cols}, []int{raw.Stride, 1}, 0, RowMajor)
}

// FromCDense is FromDense for complex matrices.
func FromCDense(m *mat.CDense) *Array[complex128] {
	raw := m.RawCMatrix()
	return View(raw.Data, []int{raw.Rows, raw.Cols}, []int{raw.Stride, 1}, 0, RowMajor)
}

// Dense copies a rank-2 float64 array into a new gonum matrix.
func Dense(a *Array[float64]) *mat.Dense {
	a.mustRank(2)
	rows, cols := a.shape[0], a.shape[1]
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, a.At(i, j))
		}
	}
	return out
}
