// Package strided moves fixed-size elements between byte buffers with
// independent source and destination strides. It is the byte-level fallback
// for element sizes that have no BLAS copy routine.
package strided

// Copy copies n elements of elemSize bytes from src to dst. Element i is read
// at byte i*incSrc*elemSize of src and written at byte i*incDst*elemSize of
// dst. Increments are in elements and must be positive.
func Copy(n, elemSize int, src []byte, incSrc int, dst []byte, incDst int) {
	if n <= 0 {
		return
	}
	if incSrc == 1 && incDst == 1 {
		copy(dst[:n*elemSize], src[:n*elemSize])
		return
	}
	switch elemSize {
	case 4:
		copy4(n, src, incSrc, dst, incDst)
	case 8:
		copy8(n, src, incSrc, dst, incDst)
	default:
		for i := 0; i < n; i++ {
			s := i * incSrc * elemSize
			d := i * incDst * elemSize
			copy(dst[d:d+elemSize], src[s:s+elemSize])
		}
	}
}

// copy4 unrolls the common single-precision case
func copy4(n int, src []byte, incSrc int, dst []byte, incDst int) {
	sStep, dStep := incSrc*4, incDst*4
	s, d := 0, 0
	i := 0
	for ; i <= n-4; i += 4 {
		copy(dst[d:d+4], src[s:s+4])
		copy(dst[d+dStep:d+dStep+4], src[s+sStep:s+sStep+4])
		copy(dst[d+2*dStep:d+2*dStep+4], src[s+2*sStep:s+2*sStep+4])
		copy(dst[d+3*dStep:d+3*dStep+4], src[s+3*sStep:s+3*sStep+4])
		s += 4 * sStep
		d += 4 * dStep
	}
	for ; i < n; i++ {
		copy(dst[d:d+4], src[s:s+4])
		s += sStep
		d += dStep
	}
}

func copy8(n int, src []byte, incSrc int, dst []byte, incDst int) {
	sStep, dStep := incSrc*8, incDst*8
	s, d := 0, 0
	i := 0
	for ; i <= n-4; i += 4 {
		copy(dst[d:d+8], src[s:s+8])
		copy(dst[d+dStep:d+dStep+8], src[s+sStep:s+sStep+8])
		copy(dst[d+2*dStep:d+2*dStep+8], src[s+2*sStep:s+2*sStep+8])
		copy(dst[d+3*dStep:d+3*dStep+8], src[s+3*sStep:s+3*sStep+8])
		s += 4 * sStep
		d += 4 * dStep
	}
	for ; i < n; i++ {
		copy(dst[d:d+8], src[s:s+8])
		s += sStep
		d += dStep
	}
}

// Span returns the number of bytes a strided run of n elements touches.
func Span(n, elemSize, inc int) int {
	if n <= 0 {
		return 0
	}
	return ((n-1)*inc + 1) * elemSize
}
