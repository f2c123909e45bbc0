// Package pointer exposes host array views to device code.
//
// Wrap turns a host view into a device pointer. A contiguous view is aliased:
// the pointer is the backend's resident mirror of the host buffer advanced to
// the view's offset, and nothing is allocated or copied. A gapped view (a
// column of a row-major matrix, say) is staged: a contiguous device buffer of
// exactly Len elements is allocated and the view's elements are gathered into
// it. CopyToHost moves device results back through the same mapping, and
// Close frees the staging buffer. Close never copies back.
//
// A Pointer is not safe for concurrent use. Distinct pointers are.
package pointer
