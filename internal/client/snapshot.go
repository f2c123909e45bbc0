package client

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
	"github.com/23skdu/longbow-devview/internal/pointer"
)

// ErrSnapshot is returned for snapshots whose fields disagree.
var ErrSnapshot = errors.New("client: malformed snapshot")

// Snapshot describes a wrapped host view together with the elements read
// back from its device pointer. Complex values are stored as interleaved
// (real, imaginary) pairs; float32 values are widened.
type Snapshot struct {
	Name   string    `cbor:"name"`
	DType  string    `cbor:"dtype"`
	Mode   string    `cbor:"mode"`
	Order  string    `cbor:"order"`
	Offset int64     `cbor:"offset"`
	Shape  []int64   `cbor:"shape"`
	Stride []int64   `cbor:"stride"`
	Values []float64 `cbor:"values"`
}

// SnapshotOf reads p's device contents into a Snapshot.
func SnapshotOf[T ndarray.Element](name string, p *pointer.Pointer[T]) (Snapshot, error) {
	vals, err := p.HostCopy()
	if err != nil {
		return Snapshot{}, err
	}
	host := p.Host()
	return Snapshot{
		Name:   name,
		DType:  p.DataType().String(),
		Mode:   p.Mode().String(),
		Order:  host.Order().String(),
		Offset: int64(host.Offset()),
		Shape:  toInt64(host.Shape()),
		Stride: toInt64(host.Stride()),
		Values: Slots(vals),
	}, nil
}

// Slots flattens values into float64 storage slots.
func Slots[T ndarray.Element](vals []T) []float64 {
	out := make([]float64, 0, len(vals)*ndarray.KindOf[T]().Slots())
	for _, v := range vals {
		switch x := any(v).(type) {
		case float32:
			out = append(out, float64(x))
		case float64:
			out = append(out, x)
		case complex64:
			out = append(out, float64(real(x)), float64(imag(x)))
		case complex128:
			out = append(out, real(x), imag(x))
		}
	}
	return out
}

// Len is the number of elements the snapshot describes. It is -1 when the
// shape has a negative extent or its product overflows.
func (s Snapshot) Len() int {
	for _, d := range s.Shape {
		if d == 0 {
			return 0
		}
	}
	n := 1
	for _, d := range s.Shape {
		if d < 0 || int64(n) > int64(math.MaxInt)/d {
			return -1
		}
		n *= int(d)
	}
	return n
}

func (s Snapshot) dataType() (device.DataType, error) {
	for _, dt := range []device.DataType{device.Float32, device.Float64, device.Complex64, device.Complex128} {
		if dt.String() == s.DType {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", ErrSnapshot, s.DType)
}

func (s Snapshot) order() (ndarray.Order, error) {
	switch s.Order {
	case ndarray.RowMajor.String():
		return ndarray.RowMajor, nil
	case ndarray.ColumnMajor.String():
		return ndarray.ColumnMajor, nil
	}
	return 0, fmt.Errorf("%w: unknown order %q", ErrSnapshot, s.Order)
}

// Validate checks that the shape, dtype, order and value count agree.
func (s Snapshot) Validate() error {
	dt, err := s.dataType()
	if err != nil {
		return err
	}
	if _, err := s.order(); err != nil {
		return err
	}
	for _, d := range s.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative extent in shape %v", ErrSnapshot, s.Shape)
		}
	}
	if s.Len() < 0 {
		return fmt.Errorf("%w: shape %v is too large", ErrSnapshot, s.Shape)
	}
	slots := 1
	if dt == device.Complex64 || dt == device.Complex128 {
		slots = 2
	}
	if want := s.Len() * slots; len(s.Values) != want {
		return fmt.Errorf("%w: %d values for shape %v of %s, want %d", ErrSnapshot, len(s.Values), s.Shape, s.DType, want)
	}
	return nil
}

// Array rebuilds the snapshot's elements as a contiguous array of the
// snapshot's shape and order. T must match the snapshot's dtype.
func Array[T ndarray.Element](s Snapshot) (*ndarray.Array[T], error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if want := pointer.DataTypeOf[T]().String(); s.DType != want {
		return nil, fmt.Errorf("%w: dtype %s read as %s", ErrSnapshot, s.DType, want)
	}
	order, _ := s.order()
	data, err := FromSlots[T](s.Values)
	if err != nil {
		return nil, err
	}
	shape := make([]int, len(s.Shape))
	for i, d := range s.Shape {
		shape[i] = int(d)
	}
	return ndarray.New(data, order, shape...), nil
}

// FromSlots is the inverse of Slots.
func FromSlots[T ndarray.Element](slots []float64) ([]T, error) {
	per := ndarray.KindOf[T]().Slots()
	if len(slots)%per != 0 {
		return nil, fmt.Errorf("%w: %d slots for a %d-slot element", ErrSnapshot, len(slots), per)
	}
	data := make([]T, len(slots)/per)
	for i := range data {
		var v any
		switch any(data[i]).(type) {
		case float32:
			v = float32(slots[i])
		case float64:
			v = slots[i]
		case complex64:
			v = complex64(complex(slots[2*i], slots[2*i+1]))
		case complex128:
			v = complex(slots[2*i], slots[2*i+1])
		}
		data[i] = v.(T)
	}
	return data, nil
}

func toInt64(xs []int) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}
