package pointer

import "github.com/23skdu/longbow-devview/internal/ndarray"

// run is one strided vector transfer: n host elements starting at host,
// inc apart, stored contiguously on the device from element dev.
type run struct {
	host int
	dev  int
	n    int
	inc  int
}

// planRuns splits a view into runs along its fastest varying dimension.
// Runs are emitted in the view's flattening order, so the device buffer
// holds the elements exactly as Flatten would return them. Dimensions of
// extent one are ignored: they change neither order nor addresses.
func planRuns(shape, stride []int, offset int, order ndarray.Order) []run {
	total := 1
	for _, s := range shape {
		total *= s
	}
	if total == 0 {
		return nil
	}

	// fastest first
	var dims []int
	for i := range shape {
		d := i
		if order != ndarray.ColumnMajor {
			d = len(shape) - 1 - i
		}
		if shape[d] > 1 {
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		return []run{{host: offset, n: 1, inc: 1}}
	}

	inner := dims[0]
	outer := dims[1:]
	n := shape[inner]
	runs := make([]run, 0, total/n)
	pos := make([]int, len(outer))
	base := offset
	for k := 0; k < total; k += n {
		runs = append(runs, run{host: base, dev: k, n: n, inc: stride[inner]})
		for i, d := range outer {
			pos[i]++
			base += stride[d]
			if pos[i] < shape[d] {
				break
			}
			base -= pos[i] * stride[d]
			pos[i] = 0
		}
	}
	return runs
}
