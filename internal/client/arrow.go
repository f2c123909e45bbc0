package client

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// SnapshotSchema is the Arrow schema of a batch of snapshots, one per row.
var SnapshotSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "mode", Type: arrow.BinaryTypes.String},
		{Name: "order", Type: arrow.BinaryTypes.String},
		{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "stride", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from snapshots.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts snapshots into a RecordBatch. It returns nil for
// an empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(snaps []Snapshot) (arrow.RecordBatch, error) {
	if len(snaps) == 0 {
		return nil, nil
	}

	rb := array.NewRecordBuilder(b.mem, SnapshotSchema)
	defer rb.Release()

	name := rb.Field(0).(*array.StringBuilder)
	dtype := rb.Field(1).(*array.StringBuilder)
	mode := rb.Field(2).(*array.StringBuilder)
	order := rb.Field(3).(*array.StringBuilder)
	offset := rb.Field(4).(*array.Int64Builder)
	shape := rb.Field(5).(*array.ListBuilder)
	stride := rb.Field(6).(*array.ListBuilder)
	values := rb.Field(7).(*array.ListBuilder)

	for _, s := range snaps {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", s.Name, err)
		}
		name.Append(s.Name)
		dtype.Append(s.DType)
		mode.Append(s.Mode)
		order.Append(s.Order)
		offset.Append(s.Offset)

		shape.Append(true)
		shape.ValueBuilder().(*array.Int64Builder).AppendValues(s.Shape, nil)
		stride.Append(true)
		stride.ValueBuilder().(*array.Int64Builder).AppendValues(s.Stride, nil)
		values.Append(true)
		values.ValueBuilder().(*array.Float64Builder).AppendValues(s.Values, nil)
	}

	return rb.NewRecord(), nil
}

// Snapshots decodes a RecordBatch produced by BuildRecordBatch.
func Snapshots(rec arrow.RecordBatch) ([]Snapshot, error) {
	if !rec.Schema().Equal(SnapshotSchema) {
		return nil, fmt.Errorf("%w: unexpected schema %s", ErrSnapshot, rec.Schema())
	}

	name := rec.Column(0).(*array.String)
	dtype := rec.Column(1).(*array.String)
	mode := rec.Column(2).(*array.String)
	order := rec.Column(3).(*array.String)
	offset := rec.Column(4).(*array.Int64)
	shape := rec.Column(5).(*array.List)
	stride := rec.Column(6).(*array.List)
	values := rec.Column(7).(*array.List)

	out := make([]Snapshot, rec.NumRows())
	for i := range out {
		s := Snapshot{
			Name:   name.Value(i),
			DType:  dtype.Value(i),
			Mode:   mode.Value(i),
			Order:  order.Value(i),
			Offset: offset.Value(i),
			Shape:  int64List(shape, i),
			Stride: int64List(stride, i),
			Values: float64List(values, i),
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

func int64List(l *array.List, i int) []int64 {
	start, end := l.ValueOffsets(i)
	vals := l.ListValues().(*array.Int64).Int64Values()
	return append([]int64(nil), vals[start:end]...)
}

func float64List(l *array.List, i int) []float64 {
	start, end := l.ValueOffsets(i)
	vals := l.ListValues().(*array.Float64).Float64Values()
	return append([]float64(nil), vals[start:end]...)
}

// WriteIPC writes rec as an Arrow IPC stream.
func WriteIPC(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReadIPC reads every snapshot from an Arrow IPC stream.
func ReadIPC(r io.Reader, mem memory.Allocator) ([]Snapshot, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var out []Snapshot
	for reader.Next() {
		snaps, err := Snapshots(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	return out, reader.Err()
}
