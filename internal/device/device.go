package device

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when device memory cannot be obtained.
	ErrAllocation = errors.New("device: allocation failed")
	// ErrTransfer is returned when a host/device copy fails.
	ErrTransfer = errors.New("device: transfer failed")
	// ErrCUDANotAvailable is returned by the CUDA backend when built without the cuda tag.
	ErrCUDANotAvailable = errors.New("device: CUDA is not available (build with -tags cuda on Linux)")
)

// Ptr is an opaque device address: a backend handle plus a byte offset.
type Ptr struct {
	handle uintptr
	offset int
}

// NewPtr creates a pointer to the start of the region identified by handle.
func NewPtr(handle uintptr) Ptr {
	return Ptr{handle: handle}
}

// WithByteOffset returns p advanced by n bytes.
func (p Ptr) WithByteOffset(n int) Ptr {
	return Ptr{handle: p.handle, offset: p.offset + n}
}

func (p Ptr) Handle() uintptr { return p.handle }
func (p Ptr) Offset() int { return p.offset }
func (p Ptr) IsNil() bool { return p.handle == 0 }

func (p Ptr) String() string {
	return fmt.Sprintf("0x%x+%d", p.handle, p.offset)
}

// DataType identifies the element type seen by device kernels.
type DataType int

const (
	Float32 DataType = iota
	Float64
	Complex64
	Complex128
)

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Backend allocates device memory and moves data between host and device.
//
// Transfers follow BLAS vector conventions: n elements of elemSize bytes,
// element i read at i*incSrc and written at i*incDst (in elements). Host
// memory is passed as raw bytes. All calls are synchronous.
type Backend interface {
	Name() string

	// Alloc returns a fresh region of the given size.
	Alloc(bytes int) (Ptr, error)

	// Free releases a region returned by Alloc. Must be called at most once.
	Free(p Ptr)

	// SetVector copies host → device.
	SetVector(n, elemSize int, src []byte, incSrc int, dst Ptr, incDst int) error

	// GetVector copies device → host.
	GetVector(n, elemSize int, src Ptr, incSrc int, dst []byte, incDst int) error

	// Mirror returns the resident device mirror of a host buffer, holding the
	// host's current contents. The mirror is owned by the backend, outlives
	// any pointer derived from it and is not released by Free.
	Mirror(host []byte) (Ptr, error)

	// Synchronize blocks until all queued device work is complete.
	Synchronize()

	// GetVRAMUsage reports allocated and total device bytes.
	GetVRAMUsage() (int64, int64)
}

// Kernels is the slice of the numeric library used to act on device data.
type Kernels interface {
	// Scal computes x = alpha * x.
	Scal(dtype DataType, n int, alpha float64, x Ptr, incX int) error
	// Asum returns the sum of absolute values (|re|+|im| for complex types).
	Asum(dtype DataType, n int, x Ptr, incX int) (float64, error)
}

// MirrorReleaser is implemented by backends whose mirrors can be dropped.
type MirrorReleaser interface {
	ReleaseMirror(host []byte)
	// ReleaseMirrors drops every mirror and reports how many there were.
	ReleaseMirrors() int
}

func checkVector(n, elemSize, incSrc, incDst int) error {
	if n < 0 || elemSize <= 0 || incSrc < 1 || incDst < 1 {
		return fmt.Errorf("%w: n=%d elemSize=%d incSrc=%d incDst=%d", ErrTransfer, n, elemSize, incSrc, incDst)
	}
	return nil
}
