// Package ndarray describes host arrays: a flat Go slice plus the shape,
// strides, offset and memory order that select a logical n-dimensional view
// out of it.
//
// An Array never copies on slicing. Row, Column and Interval return views
// that share the parent's buffer and carry their own offset and strides, so
// a view may address a gapped (non-contiguous) subset of the buffer. IsView
// reports exactly that condition; it is what the device layer uses to decide
// between aliasing the buffer's device mirror and staging a contiguous copy.
//
// Element types are Go's native numeric types. Complex element kinds use
// complex64/complex128, whose in-memory layout is an interleaved
// (real, imaginary) pair, so strides are always counted in whole elements.
package ndarray
