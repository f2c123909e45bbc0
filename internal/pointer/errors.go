package pointer

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
)

var (
	// ErrClosed is returned by operations on a released Pointer.
	ErrClosed = errors.New("pointer: use after close")

	ErrAllocation = device.ErrAllocation
	ErrTransfer   = device.ErrTransfer
	ErrShape      = ndarray.ErrShape
)

// errorKind labels err for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrAllocation):
		return "allocation"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
