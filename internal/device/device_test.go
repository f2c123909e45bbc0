package device

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64bytes(vals ...float64) []byte {
	b := alignedBytes(len(vals) * 8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func f64s(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

func TestCPUBackend_Transfers(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("GatherScatter", func(t *testing.T) {
		host := f64bytes(1, 2, 3, 4, 5, 6)
		p, err := backend.Alloc(3 * 8)
		require.NoError(t, err)
		defer backend.Free(p)

		// every second element
		require.NoError(t, backend.SetVector(3, 8, host, 2, p, 1))

		out := f64bytes(0, 0, 0, 0, 0, 0)
		require.NoError(t, backend.GetVector(3, 8, p, 1, out, 2))
		assert.Equal(t, []float64{1, 0, 3, 0, 5, 0}, f64s(out))
	})

	t.Run("ByteOffset", func(t *testing.T) {
		p, err := backend.Alloc(4 * 8)
		require.NoError(t, err)
		defer backend.Free(p)

		require.NoError(t, backend.SetVector(2, 8, f64bytes(7, 8), 1, p.WithByteOffset(16), 1))
		out := make([]byte, 32)
		require.NoError(t, backend.GetVector(4, 8, p, 1, out, 1))
		assert.Equal(t, []float64{0, 0, 7, 8}, f64s(out))
	})

	t.Run("Complex128", func(t *testing.T) {
		host := f64bytes(1, -1, 2, -2, 3, -3)
		p, err := backend.Alloc(2 * 16)
		require.NoError(t, err)
		defer backend.Free(p)

		require.NoError(t, backend.SetVector(2, 16, host, 2, p, 1))
		out := make([]byte, 32)
		require.NoError(t, backend.GetVector(2, 16, p, 1, out, 1))
		assert.Equal(t, []float64{1, -1, 3, -3}, f64s(out))
	})

	t.Run("OddElementSize", func(t *testing.T) {
		p, err := backend.Alloc(6)
		require.NoError(t, err)
		defer backend.Free(p)

		require.NoError(t, backend.SetVector(2, 3, []byte{1, 2, 3, 9, 9, 9, 4, 5, 6}, 2, p, 1))
		out := make([]byte, 6)
		require.NoError(t, backend.GetVector(2, 3, p, 1, out, 1))
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out)
	})
}

func TestCPUBackend_TransferErrors(t *testing.T) {
	backend := NewCPUBackend()
	p, err := backend.Alloc(16)
	require.NoError(t, err)
	defer backend.Free(p)

	tests := []struct {
		name string
		run  func() error
	}{
		{"PastRegion", func() error { return backend.SetVector(3, 8, make([]byte, 24), 1, p, 1) }},
		{"ShortHost", func() error { return backend.GetVector(2, 8, p, 1, make([]byte, 8), 1) }},
		{"ZeroStride", func() error { return backend.SetVector(1, 8, make([]byte, 8), 0, p, 1) }},
		{"UnknownPtr", func() error { return backend.SetVector(1, 8, make([]byte, 8), 1, NewPtr(9999), 1) }},
		{"NegativeOffset", func() error { return backend.GetVector(1, 8, p.WithByteOffset(-8), 1, make([]byte, 8), 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			assert.True(t, errors.Is(err, ErrTransfer), "expected ErrTransfer, got %v", err)
		})
	}
}

func TestCPUBackend_Capacity(t *testing.T) {
	backend := NewCPUBackend(WithCapacity(64))

	p, err := backend.Alloc(48)
	require.NoError(t, err)

	_, err = backend.Alloc(32)
	assert.True(t, errors.Is(err, ErrAllocation))

	used, total := backend.GetVRAMUsage()
	assert.Equal(t, int64(48), used)
	assert.Equal(t, int64(64), total)

	backend.Free(p)
	used, _ = backend.GetVRAMUsage()
	assert.Equal(t, int64(0), used)

	q, err := backend.Alloc(64)
	require.NoError(t, err)
	backend.Free(q)

	// double free is logged, not fatal
	backend.Free(q)
	assert.Equal(t, 0, backend.Regions())
}

func TestCPUBackend_SharedMirror(t *testing.T) {
	backend := NewCPUBackend()
	host := f64bytes(1, 2, 3)

	p, err := backend.Mirror(host)
	require.NoError(t, err)
	again, err := backend.Mirror(host)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, 1, backend.Mirrors())

	// writes through the mirror land in the host buffer
	require.NoError(t, backend.SetVector(1, 8, f64bytes(42), 1, p.WithByteOffset(8), 1))
	assert.Equal(t, []float64{1, 42, 3}, f64s(host))

	used, _ := backend.GetVRAMUsage()
	assert.Equal(t, int64(0), used, "shared mirrors are not device allocations")

	backend.Free(p)
	assert.Equal(t, 1, backend.Mirrors(), "Free must not drop a mirror")

	backend.ReleaseMirror(host)
	assert.Equal(t, 0, backend.Mirrors())
	assert.Equal(t, 0, backend.Regions())
}

func TestCPUBackend_UploadedMirror(t *testing.T) {
	backend := NewCPUBackend(WithSharedMirrors(false), WithCapacity(1024))
	host := f64bytes(1, 2, 3)

	p, err := backend.Mirror(host)
	require.NoError(t, err)
	used, _ := backend.GetVRAMUsage()
	assert.Equal(t, int64(24), used)

	require.NoError(t, backend.SetVector(1, 8, f64bytes(42), 1, p, 1))
	assert.Equal(t, []float64{1, 2, 3}, f64s(host), "uploaded mirror is a copy")

	out := make([]byte, 24)
	require.NoError(t, backend.GetVector(3, 8, p, 1, out, 1))
	assert.Equal(t, []float64{42, 2, 3}, f64s(out))

	t.Run("RefreshedFromHost", func(t *testing.T) {
		copy(host[8:], f64bytes(7))
		again, err := backend.Mirror(host)
		require.NoError(t, err)
		assert.Equal(t, p, again)
		require.NoError(t, backend.GetVector(3, 8, p, 1, out, 1))
		assert.Equal(t, []float64{1, 7, 3}, f64s(out), "host contents replace device-only writes")
	})

	t.Run("FreeIgnoresMirror", func(t *testing.T) {
		backend.Free(p)
		assert.Equal(t, 1, backend.Regions())
		used, _ := backend.GetVRAMUsage()
		assert.Equal(t, int64(24), used)
	})

	backend.ReleaseMirror(host)
	used, _ = backend.GetVRAMUsage()
	assert.Equal(t, int64(0), used)
	assert.Equal(t, 0, backend.Regions())
}

func TestCPUBackend_EmptyMirror(t *testing.T) {
	backend := NewCPUBackend()
	p, err := backend.Mirror(nil)
	require.NoError(t, err)
	assert.True(t, p.IsNil())
	assert.Equal(t, 0, backend.Mirrors())
	backend.Free(p)
	assert.Equal(t, 0, backend.Regions())
}

func TestCPUBackend_ReleaseMirrors(t *testing.T) {
	backend := NewCPUBackend(WithSharedMirrors(false))
	a, b := f64bytes(1, 2), f64bytes(3)
	_, err := backend.Mirror(a)
	require.NoError(t, err)
	_, err = backend.Mirror(b)
	require.NoError(t, err)
	staged, err := backend.Alloc(16)
	require.NoError(t, err)

	assert.Equal(t, 2, backend.ReleaseMirrors())
	assert.Equal(t, 0, backend.Mirrors())
	assert.Equal(t, 1, backend.Regions(), "allocations are not mirrors")
	used, _ := backend.GetVRAMUsage()
	assert.Equal(t, int64(16), used)

	backend.Free(staged)
	assert.Equal(t, 0, backend.ReleaseMirrors())
}

func TestCPUBackend_Kernels(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("ScalStrided", func(t *testing.T) {
		p, err := backend.Alloc(4 * 8)
		require.NoError(t, err)
		defer backend.Free(p)
		require.NoError(t, backend.SetVector(4, 8, f64bytes(1, 2, 3, 4), 1, p, 1))

		require.NoError(t, backend.Scal(Float64, 2, 10, p, 2))
		out := make([]byte, 32)
		require.NoError(t, backend.GetVector(4, 8, p, 1, out, 1))
		assert.Equal(t, []float64{10, 2, 30, 4}, f64s(out))
	})

	t.Run("AsumComplex", func(t *testing.T) {
		p, err := backend.Alloc(2 * 16)
		require.NoError(t, err)
		defer backend.Free(p)
		require.NoError(t, backend.SetVector(2, 16, f64bytes(1, -2, -3, 4), 1, p, 1))

		sum, err := backend.Asum(Complex128, 2, p, 1)
		require.NoError(t, err)
		assert.InDelta(t, 10.0, sum, 1e-12)
	})

	t.Run("Float32", func(t *testing.T) {
		host := alignedBytes(8)
		binary.LittleEndian.PutUint32(host, math.Float32bits(-1.5))
		binary.LittleEndian.PutUint32(host[4:], math.Float32bits(2.5))
		p, err := backend.Mirror(host)
		require.NoError(t, err)
		defer backend.ReleaseMirror(host)

		require.NoError(t, backend.Scal(Float32, 2, 2, p, 1))
		sum, err := backend.Asum(Float32, 2, p, 1)
		require.NoError(t, err)
		assert.InDelta(t, 8.0, sum, 1e-6)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		p, err := backend.Alloc(8)
		require.NoError(t, err)
		defer backend.Free(p)
		assert.True(t, errors.Is(backend.Scal(Float64, 2, 1, p, 1), ErrTransfer))
	})
}

func TestPtr(t *testing.T) {
	p := NewPtr(0x10).WithByteOffset(8).WithByteOffset(4)
	assert.Equal(t, uintptr(0x10), p.Handle())
	assert.Equal(t, 12, p.Offset())
	assert.Equal(t, "0x10+12", p.String())
	assert.True(t, Ptr{}.IsNil())
}

func TestDataType(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Complex64.Size())
	assert.Equal(t, 16, Complex128.Size())
	assert.Equal(t, "complex64", Complex64.String())
	assert.Equal(t, "DataType(9)", DataType(9).String())
}

func TestCudaBackend_Unavailable(t *testing.T) {
	b, err := NewCudaBackend(0)
	if err == nil {
		b.Close()
		t.Skip("CUDA device present")
	}
	assert.True(t, errors.Is(err, ErrCUDANotAvailable))
}
