package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient ships snapshots to a Longbow server over Apache Arrow Flight.
// Calls go through a circuit breaker so an unreachable server fails fast.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	mem     memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		mem:     memory.NewGoAllocator(),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server and
// waits for the server to acknowledge the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	return c.breaker.Do(func() error {
		return c.doPut(ctx, datasetName, record)
	})
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// PutSnapshots encodes snapshots and sends them to datasetName.
func (c *FlightClient) PutSnapshots(ctx context.Context, datasetName string, snaps []Snapshot) error {
	rec, err := NewRecordBatchBuilder(c.mem).BuildRecordBatch(snaps)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if err := c.DoPut(ctx, datasetName, rec); err != nil {
		return fmt.Errorf("put %d snapshots to %q: %w", len(snaps), datasetName, err)
	}
	log.Debug().Int("count", len(snaps)).Str("dataset", datasetName).Msg("Snapshots sent")
	return nil
}

// GetSnapshots fetches every snapshot stored under datasetName.
func (c *FlightClient) GetSnapshots(ctx context.Context, datasetName string) ([]Snapshot, error) {
	var out []Snapshot
	err := c.breaker.Do(func() error {
		stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(datasetName)})
		if err != nil {
			return err
		}
		reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
		if err != nil {
			return err
		}
		defer reader.Release()

		for reader.Next() {
			snaps, err := Snapshots(reader.Record())
			if err != nil {
				return err
			}
			out = append(out, snaps...)
		}
		return reader.Err()
	})
	return out, err
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
