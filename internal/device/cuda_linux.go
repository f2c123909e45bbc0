//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudart -lcublas
#include <stdint.h>
#include <cuda_runtime.h>
#include <cublas_v2.h>

static inline void* dv_addr(uintptr_t base, size_t off) { return (void*)(base + off); }
static inline uintptr_t dv_handle(void* p) { return (uintptr_t)p; }
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-devview/internal/cache"
	"github.com/23skdu/longbow-devview/internal/strided"
)

// Check interface compliance
var _ Backend = (*CudaBackend)(nil)
var _ Kernels = (*CudaBackend)(nil)
var _ MirrorReleaser = (*CudaBackend)(nil)

type cudaMirror struct {
	ptr  Ptr
	host []byte
}

// CudaBackend drives one CUDA device through the runtime API and cuBLAS.
// Mirrors are device copies cached per host buffer and refreshed from the
// host on every Mirror call.
type CudaBackend struct {
	device int
	handle C.cublasHandle_t

	mu       sync.Mutex
	sizes    map[uintptr]int
	mirrored map[uintptr]bool

	// mirrorMu serializes Mirror and ReleaseMirror.
	mirrorMu sync.Mutex
	mirrors  *cache.MapCache[cudaMirror]
}

func NewCudaBackend(device int) (*CudaBackend, error) {
	if rc := C.cudaSetDevice(C.int(device)); rc != C.cudaSuccess {
		return nil, fmt.Errorf("%w: cudaSetDevice(%d): %s", ErrCUDANotAvailable, device, C.GoString(C.cudaGetErrorString(rc)))
	}
	b := &CudaBackend{
		device:  device,
		sizes:    make(map[uintptr]int),
		mirrored: make(map[uintptr]bool),
		mirrors:  cache.NewMapCache[cudaMirror](),
	}
	if st := C.cublasCreate(&b.handle); st != C.CUBLAS_STATUS_SUCCESS {
		return nil, fmt.Errorf("%w: cublasCreate status %d", ErrCUDANotAvailable, int(st))
	}
	log.Info().Int("device", device).Msg("CUDA backend initialized")
	return b, nil
}

func (b *CudaBackend) Name() string {
	return fmt.Sprintf("CUDA:%d", b.device)
}

// Close frees every mirror and destroys the cuBLAS handle. Regions still
// allocated through Alloc are leaked.
func (b *CudaBackend) Close() {
	b.ReleaseMirrors()
	C.cublasDestroy(b.handle)
}

func (b *CudaBackend) Alloc(bytes int) (Ptr, error) {
	if bytes < 0 {
		return Ptr{}, fmt.Errorf("%w: negative size %d", ErrAllocation, bytes)
	}
	var p unsafe.Pointer
	if rc := C.cudaMalloc(&p, C.size_t(max(bytes, 1))); rc != C.cudaSuccess {
		return Ptr{}, fmt.Errorf("%w: cudaMalloc(%d): %s", ErrAllocation, bytes, C.GoString(C.cudaGetErrorString(rc)))
	}
	h := uintptr(C.dv_handle(p))

	b.mu.Lock()
	b.sizes[h] = bytes
	b.mu.Unlock()
	b.updateAllocated()
	return NewPtr(h), nil
}

// Free releases a region returned by Alloc. Mirror regions are owned by
// the mirror registry and are ignored; use ReleaseMirror.
func (b *CudaBackend) Free(p Ptr) {
	if p.IsNil() {
		return
	}
	b.mu.Lock()
	if b.mirrored[p.handle] {
		b.mu.Unlock()
		log.Warn().Stringer("ptr", p).Msg("Free called on a mirror region, ignoring")
		return
	}
	b.mu.Unlock()
	b.free(p)
}

func (b *CudaBackend) free(p Ptr) {
	b.mu.Lock()
	_, ok := b.sizes[p.handle]
	delete(b.sizes, p.handle)
	delete(b.mirrored, p.handle)
	b.mu.Unlock()
	if !ok {
		log.Warn().Stringer("ptr", p).Msg("Free of unknown device region")
		return
	}
	if rc := C.cudaFree(C.dv_addr(C.uintptr_t(p.handle), 0)); rc != C.cudaSuccess {
		log.Error().Stringer("ptr", p).Str("error", C.GoString(C.cudaGetErrorString(rc))).Msg("cudaFree failed")
	}
	b.updateAllocated()
}

func (b *CudaBackend) updateAllocated() {
	used, _ := b.GetVRAMUsage()
	allocatedBytes.WithLabelValues(b.Name()).Set(float64(used))
}

func (b *CudaBackend) addr(p Ptr, span int) (unsafe.Pointer, error) {
	b.mu.Lock()
	size, ok := b.sizes[p.handle]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown device pointer %v", ErrTransfer, p)
	}
	if p.offset < 0 || p.offset+span > size {
		return nil, fmt.Errorf("%w: %d bytes at %v exceed a %d byte region", ErrTransfer, span, p, size)
	}
	return C.dv_addr(C.uintptr_t(p.handle), C.size_t(p.offset)), nil
}

func cublasErr(op string, st C.cublasStatus_t) error {
	if st == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return fmt.Errorf("%w: %s status %d", ErrTransfer, op, int(st))
}

func (b *CudaBackend) SetVector(n, elemSize int, src []byte, incSrc int, dst Ptr, incDst int) error {
	if err := checkVector(n, elemSize, incSrc, incDst); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if need := strided.Span(n, elemSize, incSrc); len(src) < need {
		return fmt.Errorf("%w: host source holds %d bytes, %d needed", ErrTransfer, len(src), need)
	}
	d, err := b.addr(dst, strided.Span(n, elemSize, incDst))
	if err != nil {
		return err
	}
	st := C.cublasSetVector(C.int(n), C.int(elemSize), unsafe.Pointer(&src[0]), C.int(incSrc), d, C.int(incDst))
	if err := cublasErr("cublasSetVector", st); err != nil {
		return err
	}
	transferBytes.WithLabelValues(b.Name(), "to_device").Add(float64(n * elemSize))
	return nil
}

func (b *CudaBackend) GetVector(n, elemSize int, src Ptr, incSrc int, dst []byte, incDst int) error {
	if err := checkVector(n, elemSize, incSrc, incDst); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if need := strided.Span(n, elemSize, incDst); len(dst) < need {
		return fmt.Errorf("%w: host destination holds %d bytes, %d needed", ErrTransfer, len(dst), need)
	}
	s, err := b.addr(src, strided.Span(n, elemSize, incSrc))
	if err != nil {
		return err
	}
	st := C.cublasGetVector(C.int(n), C.int(elemSize), s, C.int(incSrc), unsafe.Pointer(&dst[0]), C.int(incDst))
	if err := cublasErr("cublasGetVector", st); err != nil {
		return err
	}
	transferBytes.WithLabelValues(b.Name(), "to_host").Add(float64(n * elemSize))
	return nil
}

func (b *CudaBackend) Mirror(host []byte) (Ptr, error) {
	key := cache.KeyOf(host)
	if key.Len == 0 {
		return Ptr{}, nil
	}
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()

	if m, ok := b.mirrors.Get(key); ok {
		if err := b.SetVector(len(host), 1, host, 1, m.ptr, 1); err != nil {
			return Ptr{}, err
		}
		return m.ptr, nil
	}
	p, err := b.Alloc(len(host))
	if err != nil {
		return Ptr{}, err
	}
	if err := b.SetVector(len(host), 1, host, 1, p, 1); err != nil {
		b.free(p)
		return Ptr{}, err
	}
	b.mu.Lock()
	b.mirrored[p.handle] = true
	b.mu.Unlock()
	b.mirrors.Put(key, cudaMirror{ptr: p, host: host})
	log.Debug().Int("bytes", len(host)).Stringer("ptr", p).Msg("CUDA mirror uploaded")
	return p, nil
}

func (b *CudaBackend) ReleaseMirror(host []byte) {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	if m, ok := b.mirrors.Delete(cache.KeyOf(host)); ok {
		b.free(m.ptr)
	}
}

// ReleaseMirrors frees every registered mirror and reports how many there were.
func (b *CudaBackend) ReleaseMirrors() int {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	var keys []cache.Key
	b.mirrors.Range(func(k cache.Key, _ cudaMirror) { keys = append(keys, k) })
	for _, k := range keys {
		if m, ok := b.mirrors.Delete(k); ok {
			b.free(m.ptr)
		}
	}
	return len(keys)
}

func (b *CudaBackend) Synchronize() {
	C.cudaDeviceSynchronize()
}

func (b *CudaBackend) GetVRAMUsage() (int64, int64) {
	var free, total C.size_t
	if rc := C.cudaMemGetInfo(&free, &total); rc != C.cudaSuccess {
		return 0, 0
	}
	return int64(total - free), int64(total)
}

func (b *CudaBackend) Scal(dtype DataType, n int, alpha float64, x Ptr, incX int) error {
	if err := checkVector(n, dtype.Size(), incX, 1); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	d, err := b.addr(x, strided.Span(n, dtype.Size(), incX))
	if err != nil {
		return err
	}
	a32, a64 := C.float(alpha), C.double(alpha)
	switch dtype {
	case Float32:
		return cublasErr("cublasSscal", C.cublasSscal(b.handle, C.int(n), &a32, (*C.float)(d), C.int(incX)))
	case Float64:
		return cublasErr("cublasDscal", C.cublasDscal(b.handle, C.int(n), &a64, (*C.double)(d), C.int(incX)))
	case Complex64:
		return cublasErr("cublasCsscal", C.cublasCsscal(b.handle, C.int(n), &a32, (*C.cuComplex)(d), C.int(incX)))
	case Complex128:
		return cublasErr("cublasZdscal", C.cublasZdscal(b.handle, C.int(n), &a64, (*C.cuDoubleComplex)(d), C.int(incX)))
	}
	return fmt.Errorf("scal: unsupported data type %v", dtype)
}

func (b *CudaBackend) Asum(dtype DataType, n int, x Ptr, incX int) (float64, error) {
	if err := checkVector(n, dtype.Size(), incX, 1); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	d, err := b.addr(x, strided.Span(n, dtype.Size(), incX))
	if err != nil {
		return 0, err
	}
	var r32 C.float
	var r64 C.double
	switch dtype {
	case Float32:
		err = cublasErr("cublasSasum", C.cublasSasum(b.handle, C.int(n), (*C.float)(d), C.int(incX), &r32))
		return float64(r32), err
	case Float64:
		err = cublasErr("cublasDasum", C.cublasDasum(b.handle, C.int(n), (*C.double)(d), C.int(incX), &r64))
		return float64(r64), err
	case Complex64:
		err = cublasErr("cublasScasum", C.cublasScasum(b.handle, C.int(n), (*C.cuComplex)(d), C.int(incX), &r32))
		return float64(r32), err
	case Complex128:
		err = cublasErr("cublasDzasum", C.cublasDzasum(b.handle, C.int(n), (*C.cuDoubleComplex)(d), C.int(incX), &r64))
		return float64(r64), err
	}
	return 0, fmt.Errorf("asum: unsupported data type %v", dtype)
}
