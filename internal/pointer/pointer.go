package pointer

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
)

var tracer = otel.Tracer("devview-pointer")

// View is the host array view a Pointer mirrors. *ndarray.Array satisfies it.
type View[T ndarray.Element] interface {
	Shape() []int
	Stride() []int
	Offset() int
	Order() ndarray.Order
	Kind() ndarray.Kind
	ElemSize() int
	Len() int
	IsView() bool
	// Bytes is the whole backing buffer, not just the viewed elements.
	Bytes() []byte
	Validate() error
}

var _ View[float64] = (*ndarray.Array[float64])(nil)

// Mode records how a Pointer reaches device memory.
type Mode int

const (
	// Aliased pointers address the host buffer's device mirror directly.
	Aliased Mode = iota
	// Staged pointers own a contiguous copy of the view's elements.
	Staged
)

func (m Mode) String() string {
	switch m {
	case Aliased:
		return "aliased"
	case Staged:
		return "staged"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// backing is the mode-specific state of a Pointer.
type backing interface {
	mode() Mode
	ptr() device.Ptr
}

type aliasedBacking struct {
	mirror device.Ptr
	at     device.Ptr
}

func (aliasedBacking) mode() Mode        { return Aliased }
func (b aliasedBacking) ptr() device.Ptr { return b.at }

type stagedBacking struct {
	alloc device.Ptr
	runs  []run
}

func (stagedBacking) mode() Mode        { return Staged }
func (b stagedBacking) ptr() device.Ptr { return b.alloc }

// Pointer is a device-side handle on a host array view.
type Pointer[T ndarray.Element] struct {
	backend  device.Backend
	host     View[T]
	backing  backing
	length   int
	elemSize int
	released bool
}

// Wrap acquires device memory for view. The view is validated first; a view
// addressing elements outside its buffer fails with ErrShape.
//
// Aliased pointers over overlapping host regions share device memory. Callers
// that mutate one on the device must not read the other concurrently. Every
// aliased Wrap refreshes the mirror from the host, so device writes not yet
// copied back through an open pointer are lost when the same buffer is
// wrapped again.
func Wrap[T ndarray.Element](ctx context.Context, backend device.Backend, view View[T]) (*Pointer[T], error) {
	ctx, span := tracer.Start(ctx, "Wrap")
	defer span.End()

	p, err := wrap[T](ctx, backend, view)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("mode", p.Mode().String()),
		attribute.Int("length", p.length),
		attribute.Int("elem_size", p.elemSize),
		attribute.String("backend", backend.Name()),
	)
	pointersWrapped.WithLabelValues(p.Mode().String()).Inc()
	log.Debug().
		Str("mode", p.Mode().String()).
		Int("length", p.length).
		Int("bytes", p.Bytes()).
		Stringer("ptr", p.backing.ptr()).
		Msg("Wrapped host view")
	return p, nil
}

// WrapBuffer wraps a whole flat host buffer. It is always aliased.
func WrapBuffer[T ndarray.Element](ctx context.Context, backend device.Backend, data []T) (*Pointer[T], error) {
	return Wrap[T](ctx, backend, ndarray.Flat(data))
}

func wrap[T ndarray.Element](ctx context.Context, backend device.Backend, view View[T]) (*Pointer[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := view.Validate(); err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}

	p := &Pointer[T]{
		backend:  backend,
		host:     view,
		length:   view.Len(),
		elemSize: view.ElemSize(),
	}

	if !view.IsView() {
		// empty views never touch the device
		if p.length == 0 {
			p.backing = aliasedBacking{}
			return p, nil
		}
		mirror, err := backend.Mirror(view.Bytes())
		if err != nil {
			return nil, fmt.Errorf("wrap: mirror: %w", asKind(err, ErrAllocation))
		}
		p.backing = aliasedBacking{
			mirror: mirror,
			at:     mirror.WithByteOffset(view.Offset() * p.elemSize),
		}
		return p, nil
	}

	alloc, err := backend.Alloc(p.length * p.elemSize)
	if err != nil {
		return nil, fmt.Errorf("wrap: stage %d bytes: %w", p.length*p.elemSize, asKind(err, ErrAllocation))
	}
	staged := stagedBacking{
		alloc: alloc,
		runs:  planRuns(view.Shape(), view.Stride(), view.Offset(), view.Order()),
	}
	if err := p.gather(staged); err != nil {
		backend.Free(alloc)
		return nil, fmt.Errorf("wrap: gather: %w", err)
	}
	p.backing = staged
	stagedBytes.Add(float64(p.Bytes()))
	return p, nil
}

func (p *Pointer[T]) gather(s stagedBacking) error {
	host := p.host.Bytes()
	es := p.elemSize
	for _, r := range s.runs {
		if err := p.backend.SetVector(r.n, es, host[r.host*es:], r.inc, s.alloc.WithByteOffset(r.dev*es), 1); err != nil {
			return asKind(err, ErrTransfer)
		}
	}
	return nil
}

func (p *Pointer[T]) scatter(s stagedBacking) error {
	host := p.host.Bytes()
	es := p.elemSize
	for _, r := range s.runs {
		if err := p.backend.GetVector(r.n, es, s.alloc.WithByteOffset(r.dev*es), 1, host[r.host*es:], r.inc); err != nil {
			return asKind(err, ErrTransfer)
		}
	}
	return nil
}

// CopyToHost writes the device contents back into the host view. Aliased
// pointers read from the same offset they were aliased at; staged pointers
// scatter back to the gapped host positions. Elements outside the view are
// never written.
func (p *Pointer[T]) CopyToHost(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "CopyToHost")
	defer span.End()

	if err := p.copyToHost(ctx); err != nil {
		fail(span, err)
		return err
	}
	span.SetAttributes(attribute.String("mode", p.Mode().String()), attribute.Int("length", p.length))
	copyToHostTotal.WithLabelValues(p.Mode().String()).Inc()
	return nil
}

func (p *Pointer[T]) copyToHost(ctx context.Context) error {
	if p.released {
		return fmt.Errorf("copy to host: %w", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.length == 0 {
		return nil
	}
	switch b := p.backing.(type) {
	case aliasedBacking:
		host := p.host.Bytes()[p.host.Offset()*p.elemSize:]
		if err := p.backend.GetVector(p.length, p.elemSize, b.at, 1, host, 1); err != nil {
			return fmt.Errorf("copy to host: %w", asKind(err, ErrTransfer))
		}
	case stagedBacking:
		if err := p.scatter(b); err != nil {
			return fmt.Errorf("copy to host: %w", err)
		}
	}
	return nil
}

// DevicePointer returns the address device kernels should use. Staged
// pointers address Len contiguous elements; aliased ones address the view's
// first element inside the mirror.
func (p *Pointer[T]) DevicePointer() (device.Ptr, error) {
	if p.released {
		return device.Ptr{}, ErrClosed
	}
	return p.backing.ptr(), nil
}

// HostCopy reads the device contents into a new slice in the view's
// flattening order. The host view is not modified.
func (p *Pointer[T]) HostCopy() ([]T, error) {
	if p.released {
		return nil, ErrClosed
	}
	out := make([]T, p.length)
	if p.length == 0 {
		return out, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(out))), p.length*p.elemSize)

	if b, ok := p.backing.(aliasedBacking); ok {
		if err := p.backend.GetVector(p.length, p.elemSize, b.at, 1, dst, 1); err != nil {
			return nil, fmt.Errorf("host copy: %w", asKind(err, ErrTransfer))
		}
		return out, nil
	}
	// a staged buffer already holds the elements in flattening order
	if err := p.backend.GetVector(p.length, p.elemSize, p.backing.ptr(), 1, dst, 1); err != nil {
		return nil, fmt.Errorf("host copy: %w", asKind(err, ErrTransfer))
	}
	return out, nil
}

// Close releases the staging buffer, if any. It does not copy device
// contents back; call CopyToHost first. Closing twice is a no-op.
func (p *Pointer[T]) Close() error {
	if p.released {
		return nil
	}
	p.released = true
	if b, ok := p.backing.(stagedBacking); ok {
		p.backend.Free(b.alloc)
		stagedBytes.Sub(float64(p.Bytes()))
		log.Debug().Stringer("ptr", b.alloc).Int("bytes", p.Bytes()).Msg("Released staging buffer")
	}
	return nil
}

func (p *Pointer[T]) Mode() Mode { return p.backing.mode() }

// Len is the number of elements in the view.
func (p *Pointer[T]) Len() int { return p.length }

func (p *Pointer[T]) ElemSize() int { return p.elemSize }

// Bytes is the device footprint of the view's elements.
func (p *Pointer[T]) Bytes() int { return p.length * p.elemSize }

// Host returns the wrapped view.
func (p *Pointer[T]) Host() View[T] { return p.host }

// Released reports whether Close has been called.
func (p *Pointer[T]) Released() bool { return p.released }

// DataType maps the element type to the kernel data type.
func (p *Pointer[T]) DataType() device.DataType {
	return DataTypeOf[T]()
}

// DataTypeOf returns the kernel data type of T.
func DataTypeOf[T ndarray.Element]() device.DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return device.Float32
	case float64:
		return device.Float64
	case complex64:
		return device.Complex64
	default:
		return device.Complex128
	}
}

func (p *Pointer[T]) String() string {
	state := "ready"
	if p.released {
		state = "released"
	}
	return fmt.Sprintf("Pointer{mode=%s ptr=%v length=%d elemSize=%d kind=%s order=%s shape=%v stride=%v offset=%d %s}",
		p.Mode(), p.backing.ptr(), p.length, p.elemSize, p.host.Kind(), p.host.Order(),
		p.host.Shape(), p.host.Stride(), p.host.Offset(), state)
}

// asKind makes sure err matches sentinel, keeping the backend's own error.
func asKind(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	pointerErrors.WithLabelValues(errorKind(err)).Inc()
}
