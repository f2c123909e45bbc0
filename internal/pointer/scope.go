package pointer

import (
	"context"

	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
)

// With wraps view, runs fn and closes the pointer however fn exits. A panic
// in fn is re-raised after the pointer is released.
func With[T ndarray.Element](ctx context.Context, backend device.Backend, view View[T], fn func(*Pointer[T]) error) error {
	p, err := Wrap[T](ctx, backend, view)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}
