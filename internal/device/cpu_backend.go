package device

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-devview/internal/cache"
	"github.com/23skdu/longbow-devview/internal/strided"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Kernels = (*CPUBackend)(nil)
var _ MirrorReleaser = (*CPUBackend)(nil)

// region is one allocation of the CPU "device".
type region struct {
	buf    []byte
	mirror bool
	// owned is false for shared mirrors, whose bytes are the host buffer.
	owned bool
	// host pins the mirrored host buffer while the mirror is registered.
	host []byte
}

// CPUBackend emulates a device in host memory. Regions are addressed through
// opaque handles exactly as device memory is, so pointer arithmetic and
// transfer bookkeeping behave as they would on a GPU.
//
// With shared mirrors (the default) Mirror returns a region aliasing the
// host buffer itself, the zero-copy arrangement a unified-memory device uses.
// Otherwise the mirror is a resident copy, uploaded from the host again on
// every Mirror call.
type CPUBackend struct {
	mu        sync.Mutex
	regions   map[uintptr]*region
	nextID    uintptr
	pool      *bufferPool
	mirrors   *cache.MapCache[Ptr]
	shared    bool
	capacity  int64
	allocated int64
}

// CPUOption configures a CPUBackend.
type CPUOption func(*CPUBackend)

// WithCapacity limits the bytes the backend may hand out. Zero means unlimited.
func WithCapacity(bytes int64) CPUOption {
	return func(b *CPUBackend) { b.capacity = bytes }
}

// WithSharedMirrors selects zero-copy (true) or uploaded (false) mirrors.
func WithSharedMirrors(shared bool) CPUOption {
	return func(b *CPUBackend) { b.shared = shared }
}

func NewCPUBackend(opts ...CPUOption) *CPUBackend {
	b := &CPUBackend{
		regions: make(map[uintptr]*region),
		nextID:  1,
		pool:    newBufferPool(),
		mirrors: cache.NewMapCache[Ptr](),
		shared:  true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Alloc(bytes int) (Ptr, error) {
	if bytes < 0 {
		return Ptr{}, fmt.Errorf("%w: negative size %d", ErrAllocation, bytes)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reserveLocked(bytes); err != nil {
		return Ptr{}, err
	}
	p := b.registerLocked(&region{buf: b.pool.get(bytes), owned: true})
	log.Debug().Int("bytes", bytes).Stringer("ptr", p).Msg("CPU alloc")
	return p, nil
}

func (b *CPUBackend) reserveLocked(bytes int) error {
	if b.capacity > 0 && b.allocated+int64(bytes) > b.capacity {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocation, bytes, b.allocated, b.capacity)
	}
	b.allocated += int64(bytes)
	allocatedBytes.WithLabelValues(b.Name()).Set(float64(b.allocated))
	return nil
}

func (b *CPUBackend) registerLocked(r *region) Ptr {
	id := b.nextID
	b.nextID++
	b.regions[id] = r
	return NewPtr(id)
}

func (b *CPUBackend) Free(p Ptr) {
	if p.IsNil() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions[p.handle]
	if !ok {
		log.Warn().Stringer("ptr", p).Msg("Free of unknown device region")
		return
	}
	if r.mirror {
		log.Warn().Stringer("ptr", p).Msg("Free called on a mirror region, ignoring")
		return
	}
	delete(b.regions, p.handle)
	b.releaseLocked(r)
}

func (b *CPUBackend) releaseLocked(r *region) {
	if !r.owned {
		return
	}
	b.allocated -= int64(len(r.buf))
	allocatedBytes.WithLabelValues(b.Name()).Set(float64(b.allocated))
	b.pool.put(r.buf)
}

// resolve returns the bytes of p's region starting at p's offset, checked to
// hold at least span bytes.
func (b *CPUBackend) resolve(p Ptr, span int) ([]byte, error) {
	b.mu.Lock()
	r, ok := b.regions[p.handle]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown device pointer %v", ErrTransfer, p)
	}
	if p.offset < 0 || p.offset+span > len(r.buf) {
		return nil, fmt.Errorf("%w: %d bytes at %v exceed a %d byte region", ErrTransfer, span, p, len(r.buf))
	}
	return r.buf[p.offset:], nil
}

func (b *CPUBackend) SetVector(n, elemSize int, src []byte, incSrc int, dst Ptr, incDst int) error {
	if err := checkVector(n, elemSize, incSrc, incDst); err != nil {
		return err
	}
	if need := strided.Span(n, elemSize, incSrc); len(src) < need {
		return fmt.Errorf("%w: host source holds %d bytes, %d needed", ErrTransfer, len(src), need)
	}
	d, err := b.resolve(dst, strided.Span(n, elemSize, incDst))
	if err != nil {
		return err
	}
	copyVector(n, elemSize, src, incSrc, d, incDst)
	transferBytes.WithLabelValues(b.Name(), "to_device").Add(float64(n * elemSize))
	return nil
}

func (b *CPUBackend) GetVector(n, elemSize int, src Ptr, incSrc int, dst []byte, incDst int) error {
	if err := checkVector(n, elemSize, incSrc, incDst); err != nil {
		return err
	}
	if need := strided.Span(n, elemSize, incDst); len(dst) < need {
		return fmt.Errorf("%w: host destination holds %d bytes, %d needed", ErrTransfer, len(dst), need)
	}
	s, err := b.resolve(src, strided.Span(n, elemSize, incSrc))
	if err != nil {
		return err
	}
	copyVector(n, elemSize, s, incSrc, dst, incDst)
	transferBytes.WithLabelValues(b.Name(), "to_host").Add(float64(n * elemSize))
	return nil
}

func (b *CPUBackend) Mirror(host []byte) (Ptr, error) {
	key := cache.KeyOf(host)
	if key.Len == 0 {
		return Ptr{}, nil
	}
	if b.shared {
		if p, ok := b.mirrors.Get(key); ok {
			return p, nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.mirrors.Get(key); ok {
		if !b.shared {
			b.uploadLocked(b.regions[p.handle], host)
		}
		return p, nil
	}

	r := &region{mirror: true, host: host}
	if b.shared {
		r.buf = host
	} else {
		if err := b.reserveLocked(len(host)); err != nil {
			return Ptr{}, err
		}
		r.buf = b.pool.get(len(host))
		r.owned = true
		b.uploadLocked(r, host)
	}
	p := b.registerLocked(r)
	b.mirrors.Put(key, p)
	log.Debug().Int("bytes", len(host)).Bool("shared", b.shared).Stringer("ptr", p).Msg("CPU mirror created")
	return p, nil
}

func (b *CPUBackend) uploadLocked(r *region, host []byte) {
	copy(r.buf, host)
	transferBytes.WithLabelValues(b.Name(), "to_device").Add(float64(len(host)))
}

// ReleaseMirror drops the mirror of a host buffer, if any.
func (b *CPUBackend) ReleaseMirror(host []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.mirrors.Delete(cache.KeyOf(host))
	if !ok {
		return
	}
	if r, ok := b.regions[p.handle]; ok {
		delete(b.regions, p.handle)
		b.releaseLocked(r)
	}
}

// ReleaseMirrors drops every registered mirror and reports how many there were.
func (b *CPUBackend) ReleaseMirrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []cache.Key
	b.mirrors.Range(func(k cache.Key, _ Ptr) { keys = append(keys, k) })
	for _, k := range keys {
		p, _ := b.mirrors.Delete(k)
		if r, ok := b.regions[p.handle]; ok {
			delete(b.regions, p.handle)
			b.releaseLocked(r)
		}
	}
	return len(keys)
}

// Mirrors returns the number of registered mirrors.
func (b *CPUBackend) Mirrors() int {
	return b.mirrors.Size()
}

// Regions returns the number of live regions, mirrors included.
func (b *CPUBackend) Regions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regions)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

func (b *CPUBackend) GetVRAMUsage() (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated, b.capacity
}

func (b *CPUBackend) Scal(dtype DataType, n int, alpha float64, x Ptr, incX int) error {
	if err := checkVector(n, dtype.Size(), incX, 1); err != nil {
		return err
	}
	buf, err := b.resolve(x, strided.Span(n, dtype.Size(), incX))
	if err != nil {
		return err
	}
	return scalVector(dtype, n, alpha, buf, incX)
}

func (b *CPUBackend) Asum(dtype DataType, n int, x Ptr, incX int) (float64, error) {
	if err := checkVector(n, dtype.Size(), incX, 1); err != nil {
		return 0, err
	}
	buf, err := b.resolve(x, strided.Span(n, dtype.Size(), incX))
	if err != nil {
		return 0, err
	}
	return asumVector(dtype, n, buf, incX)
}
