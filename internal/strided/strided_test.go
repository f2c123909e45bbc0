package strided

import (
	"bytes"
	"testing"
)

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestCopy_Contiguous(t *testing.T) {
	src := seq(12)
	dst := make([]byte, 12)
	Copy(3, 4, src, 1, dst, 1)
	if !bytes.Equal(src, dst) {
		t.Errorf("contiguous copy = %v, want %v", dst, src)
	}
}

func TestCopy_Gather(t *testing.T) {
	for _, elemSize := range []int{2, 4, 8, 16} {
		n := 7
		src := seq(n * 3 * elemSize)
		dst := make([]byte, n*elemSize)
		Copy(n, elemSize, src, 3, dst, 1)

		for i := 0; i < n; i++ {
			want := src[i*3*elemSize : i*3*elemSize+elemSize]
			got := dst[i*elemSize : (i+1)*elemSize]
			if !bytes.Equal(want, got) {
				t.Errorf("elemSize %d: element %d = %v, want %v", elemSize, i, got, want)
			}
		}
	}
}

func TestCopy_ScatterLeavesGaps(t *testing.T) {
	src := seq(5 * 8)
	dst := make([]byte, Span(5, 8, 2))
	Copy(5, 8, src, 1, dst, 2)

	for i := 0; i < 5; i++ {
		if !bytes.Equal(dst[i*16:i*16+8], src[i*8:i*8+8]) {
			t.Errorf("element %d not scattered", i)
		}
		if i < 4 && !bytes.Equal(dst[i*16+8:i*16+16], make([]byte, 8)) {
			t.Errorf("gap after element %d was written", i)
		}
	}
}

func TestSpan(t *testing.T) {
	if got := Span(0, 4, 3); got != 0 {
		t.Errorf("Span(0) = %d", got)
	}
	if got := Span(3, 4, 3); got != 28 {
		t.Errorf("Span(3, 4, 3) = %d, want 28", got)
	}
}
