package ndarray

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"unsafe"
)

// ErrShape is returned when shape, strides and offset do not fit the buffer.
var ErrShape = errors.New("ndarray: inconsistent shape")

// Element is the set of supported element types.
type Element interface {
	float32 | float64 | complex64 | complex128
}

// Real is the subset of Element with one storage slot per element.
type Real interface {
	float32 | float64
}

// Order is the memory order used to flatten a view.
type Order byte

const (
	RowMajor    Order = 'c'
	ColumnMajor Order = 'f'
)

func (o Order) String() string {
	switch o {
	case RowMajor:
		return "c"
	case ColumnMajor:
		return "f"
	}
	return fmt.Sprintf("Order(%d)", byte(o))
}

// Kind is the element layout of an array.
type Kind int

const (
	KindReal Kind = iota
	KindComplex
)

func (k Kind) String() string {
	if k == KindComplex {
		return "complex"
	}
	return "real"
}

// Slots is the number of scalar storage slots per element.
func (k Kind) Slots() int {
	if k == KindComplex {
		return 2
	}
	return 1
}

// KindOf returns the element layout of T.
func KindOf[T Element]() Kind {
	var zero T
	switch any(zero).(type) {
	case complex64, complex128:
		return KindComplex
	}
	return KindReal
}

// SizeOf returns the size in bytes of one element of T.
func SizeOf[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Array is a strided view over a flat buffer.
type Array[T Element] struct {
	data   []T
	shape  []int
	stride []int
	offset int
	order  Order
}

// New creates a contiguous array over data with canonical strides for order.
// It panics if len(data) does not match the shape.
func New[T Element](data []T, order Order, shape ...int) *Array[T] {
	size := product(shape)
	if len(data) != size {
		panic(fmt.Sprintf("ndarray.New: data length %d does not match shape %v", len(data), shape))
	}
	return &Array[T]{
		data:   data,
		shape:  append([]int(nil), shape...),
		stride: Strides(order, shape...),
		order:  order,
	}
}

// Zeros creates a zero-filled contiguous array.
func Zeros[T Element](order Order, shape ...int) *Array[T] {
	return New(make([]T, product(shape)), order, shape...)
}

// View creates an array with explicit strides and offset. It does not
// validate them; see Validate.
func View[T Element](data []T, shape, stride []int, offset int, order Order) *Array[T] {
	return &Array[T]{
		data:   data,
		shape:  append([]int(nil), shape...),
		stride: append([]int(nil), stride...),
		offset: offset,
		order:  order,
	}
}

// Flat wraps a whole buffer as a rank-1 array.
func Flat[T Element](data []T) *Array[T] {
	return New(data, RowMajor, len(data))
}

// Strides returns the canonical strides of a contiguous array.
func Strides(order Order, shape ...int) []int {
	stride := make([]int, len(shape))
	acc := 1
	if order == ColumnMajor {
		for d := 0; d < len(shape); d++ {
			stride[d] = acc
			acc *= max(shape[d], 1)
		}
		return stride
	}
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = acc
		acc *= max(shape[d], 1)
	}
	return stride
}

func product(shape []int) int {
	n, ok := checkedProduct(shape)
	if !ok {
		return math.MaxInt
	}
	return n
}

// checkedProduct multiplies the extents, reporting false on overflow or a
// negative extent.
func checkedProduct(shape []int) (int, bool) {
	for _, s := range shape {
		if s == 0 {
			return 0, true
		}
	}
	n := 1
	for _, s := range shape {
		if s < 0 || n > math.MaxInt/s {
			return 0, false
		}
		n *= s
	}
	return n, true
}

func (a *Array[T]) Data() []T { return a.data }
func (a *Array[T]) Shape() []int { return a.shape }
func (a *Array[T]) Stride() []int { return a.stride }
func (a *Array[T]) Offset() int { return a.offset }
func (a *Array[T]) Order() Order { return a.order }
func (a *Array[T]) Rank() int { return len(a.shape) }
func (a *Array[T]) Kind() Kind { return KindOf[T]() }
func (a *Array[T]) ElemSize() int { return SizeOf[T]() }

// Len saturates at math.MaxInt when the extents overflow; Validate rejects such views.
func (a *Array[T]) Len() int { return product(a.shape) }
func (a *Array[T]) ByteLen() int { return a.Len() * a.ElemSize() }

// Bytes returns the whole underlying buffer reinterpreted as bytes. The
// result aliases the buffer.
func (a *Array[T]) Bytes() []byte {
	if len(a.data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(a.data))), len(a.data)*a.ElemSize())
}

// IsView reports whether the array's elements, taken in its own order, are
// not one contiguous run of the buffer starting at Offset.
func (a *Array[T]) IsView() bool {
	if a.Len() <= 1 {
		return false
	}
	expected := 1
	for _, d := range a.dimOrder() {
		if a.shape[d] == 1 {
			continue
		}
		if a.stride[d] != expected {
			return true
		}
		expected *= a.shape[d]
	}
	return false
}

// dimOrder lists dimensions from fastest to slowest varying.
func (a *Array[T]) dimOrder() []int {
	dims := make([]int, len(a.shape))
	for i := range dims {
		if a.order == ColumnMajor {
			dims[i] = i
		} else {
			dims[i] = len(dims) - 1 - i
		}
	}
	return dims
}

// Validate checks that every element addressed by the view lies inside the
// buffer. Strides of dimensions with more than one element must be positive.
func (a *Array[T]) Validate() error {
	if len(a.shape) != len(a.stride) {
		return fmt.Errorf("%w: rank %d with %d strides", ErrShape, len(a.shape), len(a.stride))
	}
	if a.order != RowMajor && a.order != ColumnMajor {
		return fmt.Errorf("%w: unknown order %v", ErrShape, a.order)
	}
	for d, s := range a.shape {
		if s < 0 {
			return fmt.Errorf("%w: negative extent %d on axis %d", ErrShape, s, d)
		}
	}
	n, ok := checkedProduct(a.shape)
	if !ok || n > math.MaxInt/a.ElemSize() {
		return fmt.Errorf("%w: %v elements overflow", ErrShape, a.shape)
	}
	if n == 0 {
		return nil
	}
	if a.offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrShape, a.offset)
	}
	last := a.offset
	for d, s := range a.shape {
		if s == 1 {
			continue
		}
		if a.stride[d] < 1 {
			return fmt.Errorf("%w: stride %d on axis %d", ErrShape, a.stride[d], d)
		}
		if s-1 > (math.MaxInt-last)/a.stride[d] {
			return fmt.Errorf("%w: stride %d on axis %d overflows", ErrShape, a.stride[d], d)
		}
		last += (s - 1) * a.stride[d]
	}
	if last >= len(a.data) {
		return fmt.Errorf("%w: view %v stride %v offset %d reaches element %d of a %d element buffer",
			ErrShape, a.shape, a.stride, a.offset, last, len(a.data))
	}
	return nil
}

// Index returns the buffer position of the element at idx.
func (a *Array[T]) Index(idx ...int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("ndarray: %d indices for rank %d", len(idx), len(a.shape)))
	}
	pos := a.offset
	for d, i := range idx {
		if i < 0 || i >= a.shape[d] {
			panic(fmt.Sprintf("ndarray: index %d out of range [0,%d) on axis %d", i, a.shape[d], d))
		}
		pos += i * a.stride[d]
	}
	return pos
}

func (a *Array[T]) At(idx ...int) T { return a.data[a.Index(idx...)] }

func (a *Array[T]) Set(v T, idx ...int) { a.data[a.Index(idx...)] = v }

// ForEach visits every element position in the array's flattening order.
// k is the flat (logical) index and pos the buffer position.
func (a *Array[T]) ForEach(fn func(k, pos int)) {
	n := a.Len()
	if n == 0 {
		return
	}
	dims := a.dimOrder()
	counter := make([]int, len(a.shape))
	pos := a.offset
	for k := 0; k < n; k++ {
		fn(k, pos)
		for _, d := range dims {
			counter[d]++
			pos += a.stride[d]
			if counter[d] < a.shape[d] {
				break
			}
			pos -= counter[d] * a.stride[d]
			counter[d] = 0
		}
	}
}

// Flatten returns a copy of the view's elements in its flattening order.
func (a *Array[T]) Flatten() []T {
	out := make([]T, a.Len())
	a.ForEach(func(k, pos int) {
		out[k] = a.data[pos]
	})
	return out
}

// Assign writes flat, given in the view's flattening order, into the view.
func (a *Array[T]) Assign(flat []T) {
	if len(flat) != a.Len() {
		panic(fmt.Sprintf("ndarray.Assign: %d values for %d elements", len(flat), a.Len()))
	}
	a.ForEach(func(k, pos int) {
		a.data[pos] = flat[k]
	})
}

// Dup returns a contiguous copy with the same shape and order.
func (a *Array[T]) Dup() *Array[T] {
	return New(a.Flatten(), a.order, a.shape...)
}

// Interval restricts axis to the half-open range [from, to).
func (a *Array[T]) Interval(axis, from, to int) *Array[T] {
	if axis < 0 || axis >= len(a.shape) || from < 0 || to > a.shape[axis] || from > to {
		panic(fmt.Sprintf("ndarray.Interval: [%d,%d) on axis %d of shape %v", from, to, axis, a.shape))
	}
	v := View(a.data, a.shape, a.stride, a.offset+from*a.stride[axis], a.order)
	v.shape[axis] = to - from
	return v
}

// Row returns row i of a rank-2 array as a 1×cols view.
func (a *Array[T]) Row(i int) *Array[T] {
	a.mustRank(2)
	return a.Interval(0, i, i+1)
}

// Column returns column j of a rank-2 array as a rows×1 view.
func (a *Array[T]) Column(j int) *Array[T] {
	a.mustRank(2)
	return a.Interval(1, j, j+1)
}

// Reshape returns a contiguous array over the same buffer with a new shape.
// It panics if the array is a gapped view or the sizes differ.
func (a *Array[T]) Reshape(shape ...int) *Array[T] {
	if a.IsView() {
		panic("ndarray.Reshape: cannot reshape a non-contiguous view")
	}
	if product(shape) != a.Len() {
		panic(fmt.Sprintf("ndarray.Reshape: %v has a different size than %v", shape, a.shape))
	}
	v := View(a.data, shape, Strides(a.order, shape...), a.offset, a.order)
	return v
}

func (a *Array[T]) mustRank(r int) {
	if len(a.shape) != r {
		panic(fmt.Sprintf("ndarray: rank %d required, got shape %v", r, a.shape))
	}
}

// Equal reports whether both views hold the same shape and elements.
func (a *Array[T]) Equal(b *Array[T]) bool {
	return a.InDelta(b, 0)
}

// InDelta is Equal with an absolute tolerance per element.
func (a *Array[T]) InDelta(b *Array[T], delta float64) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for d := range a.shape {
		if a.shape[d] != b.shape[d] {
			return false
		}
	}
	fa, fb := a.Flatten(), b.Flatten()
	for i := range fa {
		if distance(fa[i], fb[i]) > delta {
			return false
		}
	}
	return true
}

func distance[T Element](x, y T) float64 {
	switch v := any(x).(type) {
	case float32:
		return abs(float64(v) - float64(any(y).(float32)))
	case float64:
		return abs(v - any(y).(float64))
	case complex64:
		return cmplx.Abs(complex128(v) - complex128(any(y).(complex64)))
	case complex128:
		return cmplx.Abs(v - any(y).(complex128))
	}
	return 0
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (a *Array[T]) String() string {
	return fmt.Sprintf("Array[%s](shape=%v stride=%v offset=%d order=%s view=%t)",
		a.Kind(), a.shape, a.stride, a.offset, a.order, a.IsView())
}
