package device

import (
	"fmt"
	"unsafe"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/blas/gonum"

	"github.com/23skdu/longbow-devview/internal/strided"
)

// complex64 routines are not exposed through a registrable package, so the
// native implementation is used directly.
var c64 = gonum.Implementation{}

func aligned(b []byte, align uintptr) bool {
	return len(b) == 0 || uintptr(unsafe.Pointer(unsafe.SliceData(b)))%align == 0
}

func asFloat32(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func asFloat64(b []byte) []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/8)
}

func asComplex64(b []byte) []complex64 {
	return unsafe.Slice((*complex64)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/8)
}

func asComplex128(b []byte) []complex128 {
	return unsafe.Slice((*complex128)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/16)
}

// copyVector moves n strided elements with the BLAS copy routine matching
// elemSize, falling back to byte copies for other sizes or unaligned memory.
// Slices must already cover the strided span.
func copyVector(n, elemSize int, src []byte, incSrc int, dst []byte, incDst int) {
	if n == 0 {
		return
	}
	switch {
	case elemSize == 4 && aligned(src, 4) && aligned(dst, 4):
		blas32.Implementation().Scopy(n, asFloat32(src), incSrc, asFloat32(dst), incDst)
	case elemSize == 8 && aligned(src, 8) && aligned(dst, 8):
		blas64.Implementation().Dcopy(n, asFloat64(src), incSrc, asFloat64(dst), incDst)
	case elemSize == 16 && aligned(src, 8) && aligned(dst, 8):
		cblas128.Implementation().Zcopy(n, asComplex128(src), incSrc, asComplex128(dst), incDst)
	default:
		strided.Copy(n, elemSize, src, incSrc, dst, incDst)
	}
}

func scalVector(dtype DataType, n int, alpha float64, x []byte, incX int) error {
	if n == 0 {
		return nil
	}
	switch dtype {
	case Float32:
		blas32.Implementation().Sscal(n, float32(alpha), asFloat32(x), incX)
	case Float64:
		blas64.Implementation().Dscal(n, alpha, asFloat64(x), incX)
	case Complex64:
		c64.Csscal(n, float32(alpha), asComplex64(x), incX)
	case Complex128:
		cblas128.Implementation().Zdscal(n, alpha, asComplex128(x), incX)
	default:
		return fmt.Errorf("scal: unsupported data type %v", dtype)
	}
	return nil
}

func asumVector(dtype DataType, n int, x []byte, incX int) (float64, error) {
	if n == 0 {
		return 0, nil
	}
	switch dtype {
	case Float32:
		return float64(blas32.Implementation().Sasum(n, asFloat32(x), incX)), nil
	case Float64:
		return blas64.Implementation().Dasum(n, asFloat64(x), incX), nil
	case Complex64:
		return float64(c64.Scasum(n, asComplex64(x), incX)), nil
	case Complex128:
		return cblas128.Implementation().Dzasum(n, asComplex128(x), incX), nil
	}
	return 0, fmt.Errorf("asum: unsupported data type %v", dtype)
}
