package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-devview/internal/client"
	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
	"github.com/23skdu/longbow-devview/internal/pointer"
)

// DevviewFlightServer accepts snapshot batches over DoPut, proves each
// matrix survives a device round trip through every row and column view,
// and serves the accepted snapshots back over DoGet.
type DevviewFlightServer struct {
	flight.BaseFlightServer
	backend device.Backend
	alloc   memory.Allocator

	mu       sync.RWMutex
	datasets map[string][]client.Snapshot
}

func NewDevviewFlightServer(backend device.Backend) *DevviewFlightServer {
	return &DevviewFlightServer{
		backend:  backend,
		alloc:    memory.NewGoAllocator(),
		datasets: make(map[string][]client.Snapshot),
	}
}

func (s *DevviewFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return status.Error(codes.Unimplemented, "DoExchange not implemented")
}

func (s *DevviewFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.GetPath()) == 0 {
		return status.Error(codes.InvalidArgument, "DoPut requires a path descriptor")
	}
	dataset := desc.GetPath()[0]

	var accepted []client.Snapshot
	for reader.Next() {
		snaps, err := client.Snapshots(reader.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode batch: %v", err)
		}
		for _, snap := range snaps {
			if err := verifySnapshot(ctx, s.backend, snap); err != nil {
				return status.Errorf(codes.FailedPrecondition, "snapshot %q: %v", snap.Name, err)
			}
		}
		accepted = append(accepted, snaps...)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.datasets[dataset] = append(s.datasets[dataset], accepted...)
	s.mu.Unlock()
	log.Info().Str("dataset", dataset).Int("snapshots", len(accepted)).Msg("DoPut accepted snapshots")
	return nil
}

func (s *DevviewFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	dataset := string(tkt.GetTicket())
	s.mu.RLock()
	snaps, ok := s.datasets[dataset]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "unknown dataset %q", dataset)
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(snaps)
	if err != nil {
		return status.Errorf(codes.Internal, "encode dataset %q: %v", dataset, err)
	}
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.SnapshotSchema))
	defer writer.Close()
	if rec == nil {
		return nil
	}
	defer rec.Release()
	return writer.Write(rec)
}

// Snapshots returns the snapshots accepted for dataset.
func (s *DevviewFlightServer) Snapshots(dataset string) []client.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]client.Snapshot(nil), s.datasets[dataset]...)
}

func verifySnapshot(ctx context.Context, backend device.Backend, snap client.Snapshot) error {
	switch snap.DType {
	case device.Float32.String():
		return verifyRoundTrip[float32](ctx, backend, snap)
	case device.Float64.String():
		return verifyRoundTrip[float64](ctx, backend, snap)
	case device.Complex64.String():
		return verifyRoundTrip[complex64](ctx, backend, snap)
	case device.Complex128.String():
		return verifyRoundTrip[complex128](ctx, backend, snap)
	}
	return fmt.Errorf("%w: unknown dtype %q", client.ErrSnapshot, snap.DType)
}

// verifyRoundTrip rebuilds the snapshot as a host matrix, wraps the whole
// matrix and each of its rows and columns, copies every view back and checks
// nothing changed. Empty matrices only wrap the whole.
func verifyRoundTrip[T ndarray.Element](ctx context.Context, backend device.Backend, snap client.Snapshot) error {
	arr, err := client.Array[T](snap)
	if err != nil {
		return err
	}
	defer releaseMirror(backend, arr.Bytes())
	before := arr.Dup()

	views := []*ndarray.Array[T]{arr}
	if arr.Rank() == 2 && arr.Len() > 0 {
		for i := 0; i < arr.Shape()[0]; i++ {
			views = append(views, arr.Row(i))
		}
		for j := 0; j < arr.Shape()[1]; j++ {
			views = append(views, arr.Column(j))
		}
	}
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := pointer.With(ctx, backend, pointer.View[T](v), func(p *pointer.Pointer[T]) error {
			return p.CopyToHost(ctx)
		})
		if err != nil {
			return err
		}
	}
	if !arr.Equal(before) {
		return fmt.Errorf("device round trip changed %v", arr)
	}
	return nil
}

func StartFlightServer(addr string, backend device.Backend) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewDevviewFlightServer(backend))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting devview Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
