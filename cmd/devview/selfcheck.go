package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-devview/internal/client"
	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
	"github.com/23skdu/longbow-devview/internal/pointer"
)

type checkReport struct {
	aliased     int
	staged      int
	stagedBytes int64
	snapshots   []client.Snapshot
}

func (r *checkReport) count(mode pointer.Mode, bytes int) {
	if mode == pointer.Staged {
		r.staged++
		r.stagedBytes += int64(bytes)
		return
	}
	r.aliased++
}

// selfCheck wraps every row and column of a random column-major NxN matrix,
// copies each back and verifies the matrix is unchanged. When the backend
// has kernels it also scales a row on the device and checks the result
// reaches the host. A gonum submatrix and a complex column follow.
func selfCheck(ctx context.Context, backend device.Backend, rng *rand.Rand, n int) (*checkReport, error) {
	if n < 1 {
		return nil, fmt.Errorf("matrix size must be positive, got %d", n)
	}
	report := &checkReport{}
	m := ndarray.Rand[float64](rng, ndarray.ColumnMajor, n, n)
	before := m.Dup()
	defer releaseMirror(backend, m.Bytes())

	roundTrip := func(name string, view *ndarray.Array[float64], snapshot bool) error {
		return pointer.With(ctx, backend, pointer.View[float64](view), func(p *pointer.Pointer[float64]) error {
			report.count(p.Mode(), p.Bytes())
			if snapshot {
				s, err := client.SnapshotOf(name, p)
				if err != nil {
					return err
				}
				report.snapshots = append(report.snapshots, s)
			}
			return p.CopyToHost(ctx)
		})
	}

	for i := 0; i < n; i++ {
		if err := roundTrip(fmt.Sprintf("row%d", i), m.Row(i), i == 0); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	for j := 0; j < n; j++ {
		if err := roundTrip(fmt.Sprintf("col%d", j), m.Column(j), j == 0); err != nil {
			return nil, fmt.Errorf("column %d: %w", j, err)
		}
	}
	if !m.Equal(before) {
		return nil, fmt.Errorf("round trip changed the %dx%d matrix", n, n)
	}

	if kernels, ok := backend.(device.Kernels); ok {
		if err := checkKernels(ctx, backend, kernels, m); err != nil {
			return nil, err
		}
	} else {
		log.Debug().Str("backend", backend.Name()).Msg("Backend has no kernels, skipping device mutation check")
	}

	if err := checkDense(ctx, backend, rng, n, report); err != nil {
		return nil, err
	}
	if err := checkComplex(ctx, backend, report); err != nil {
		return nil, err
	}
	return report, nil
}

func checkKernels(ctx context.Context, backend device.Backend, kernels device.Kernels, m *ndarray.Array[float64]) error {
	row := m.Row(0)
	orig := row.Flatten()
	var want float64
	for _, v := range orig {
		want += 2 * math.Abs(v)
	}

	err := pointer.With(ctx, backend, pointer.View[float64](row), func(p *pointer.Pointer[float64]) error {
		dp, err := p.DevicePointer()
		if err != nil {
			return err
		}
		if err := kernels.Scal(p.DataType(), p.Len(), 2, dp, 1); err != nil {
			return err
		}
		got, err := kernels.Asum(p.DataType(), p.Len(), dp, 1)
		if err != nil {
			return err
		}
		if math.Abs(got-want) > 1e-9*math.Max(1, want) {
			return fmt.Errorf("device asum %g, want %g", got, want)
		}
		return p.CopyToHost(ctx)
	})
	if err != nil {
		return fmt.Errorf("kernel check: %w", err)
	}
	for k, v := range row.Flatten() {
		if v != 2*orig[k] {
			return fmt.Errorf("kernel check: element %d is %g after scaling %g", k, v, orig[k])
		}
	}
	row.Assign(orig)
	return nil
}

// checkDense round-trips the interior of a gonum matrix. The slice keeps the
// parent's row stride, so for n > 1 the view is gapped.
func checkDense(ctx context.Context, backend device.Backend, rng *rand.Rand, n int, report *checkReport) error {
	d := mat.NewDense(n+2, n+2, nil)
	for i := 0; i < n+2; i++ {
		for j := 0; j < n+2; j++ {
			d.Set(i, j, rng.NormFloat64())
		}
	}
	want := mat.DenseCopyOf(d)
	sub := d.Slice(1, n+1, 1, n+1).(*mat.Dense)
	view := ndarray.FromDense(sub)
	defer releaseMirror(backend, view.Bytes())

	err := pointer.With(ctx, backend, pointer.View[float64](view), func(p *pointer.Pointer[float64]) error {
		report.count(p.Mode(), p.Bytes())
		vals, err := p.HostCopy()
		if err != nil {
			return err
		}
		if !mat.Equal(mat.NewDense(n, n, vals), sub) {
			return fmt.Errorf("device copy differs from the %dx%d submatrix", n, n)
		}
		return p.CopyToHost(ctx)
	})
	if err != nil {
		return fmt.Errorf("dense check: %w", err)
	}
	if !mat.Equal(d, want) || !mat.Equal(ndarray.Dense(view), want.Slice(1, n+1, 1, n+1)) {
		return fmt.Errorf("dense check: round trip changed the %dx%d matrix", n+2, n+2)
	}
	return nil
}

func checkComplex(ctx context.Context, backend device.Backend, report *checkReport) error {
	m := ndarray.FromCDense(mat.NewCDense(2, 2, ndarray.ComplexNumbersFor([]float64{2, 1, 6, 1})))
	defer releaseMirror(backend, m.Bytes())
	return pointer.With(ctx, backend, pointer.View[complex128](m.Column(0)), func(p *pointer.Pointer[complex128]) error {
		report.count(p.Mode(), p.Bytes())
		vals, err := p.HostCopy()
		if err != nil {
			return err
		}
		if len(vals) != 2 || vals[0] != 2 || vals[1] != 6 {
			return fmt.Errorf("complex check: got %v, want [2 6]", vals)
		}
		s, err := client.SnapshotOf("complex_col0", p)
		if err != nil {
			return err
		}
		report.snapshots = append(report.snapshots, s)
		return nil
	})
}

// releaseMirror drops the backend's mirror of a host buffer that is about to
// go out of scope.
func releaseMirror(backend device.Backend, host []byte) {
	if r, ok := backend.(device.MirrorReleaser); ok {
		r.ReleaseMirror(host)
	}
}
