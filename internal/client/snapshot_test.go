package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
	"github.com/23skdu/longbow-devview/internal/pointer"
)

func TestSnapshotOf(t *testing.T) {
	ctx := context.Background()
	backend := device.NewCPUBackend()
	m := ndarray.New([]complex128{2, 9i, 6, 9i}, ndarray.RowMajor, 2, 2)

	p, err := pointer.Wrap[complex128](ctx, backend, m.Column(0))
	require.NoError(t, err)
	defer p.Close()

	s, err := SnapshotOf("col0", p)
	require.NoError(t, err)
	assert.Equal(t, "complex128", s.DType)
	assert.Equal(t, "staged", s.Mode)
	assert.Equal(t, "c", s.Order)
	assert.Equal(t, int64(0), s.Offset)
	assert.Equal(t, []int64{2, 1}, s.Shape)
	assert.Equal(t, []int64{2, 1}, s.Stride)
	assert.Equal(t, []float64{2, 0, 6, 0}, s.Values)

	arr, err := Array[complex128](s)
	require.NoError(t, err)
	assert.Equal(t, []complex128{2, 6}, arr.Data())
	assert.Equal(t, []int{2, 1}, arr.Shape())

	_, err = Array[float64](s)
	assert.True(t, errors.Is(err, ErrSnapshot))

	require.NoError(t, p.Close())
	_, err = SnapshotOf("col0", p)
	assert.ErrorIs(t, err, pointer.ErrClosed)
}

func TestSnapshot_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"UnknownDType", func(s *Snapshot) { s.DType = "int8" }},
		{"UnknownOrder", func(s *Snapshot) { s.Order = "x" }},
		{"NegativeExtent", func(s *Snapshot) { s.Shape = []int64{-2, -1} }},
		{"ValueCount", func(s *Snapshot) { s.Values = append(s.Values, 1) }},
		{"ShapeOverflow", func(s *Snapshot) { s.Shape = []int64{1 << 32, 1 << 32}; s.Values = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampleSnapshot("s")
			tt.mutate(&s)
			assert.True(t, errors.Is(s.Validate(), ErrSnapshot))
		})
	}
	assert.NoError(t, sampleSnapshot("ok").Validate())

	empty := Snapshot{DType: "float64", Order: "c", Shape: []int64{0, 1 << 40}}
	assert.NoError(t, empty.Validate())
	assert.Zero(t, empty.Len())
}

func TestSlots(t *testing.T) {
	assert.Equal(t, []float64{1.5, 2}, Slots([]float32{1.5, 2}))
	assert.Equal(t, []float64{1, -1}, Slots([]complex64{complex(1, -1)}))
}

func TestFromSlots(t *testing.T) {
	c, err := FromSlots[complex64]([]float64{1, -1, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, []complex64{complex(1, -1), 2}, c)

	_, err = FromSlots[complex128]([]float64{1})
	assert.True(t, errors.Is(err, ErrSnapshot))
}
