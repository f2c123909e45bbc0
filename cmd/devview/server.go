package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-devview/internal/client"
	"github.com/23skdu/longbow-devview/internal/device"
	"github.com/23skdu/longbow-devview/internal/ndarray"
	"github.com/23skdu/longbow-devview/internal/pointer"
)

var (
	viewsInspected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devview_views_inspected_total",
		Help: "The total number of host views inspected over HTTP",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devview_request_duration_seconds",
		Help:    "Time spent processing inspect requests",
		Buckets: prometheus.DefBuckets,
	})
)

// InspectRequest describes a host buffer and a view over it. Data holds the
// whole buffer as storage slots (interleaved pairs for complex dtypes).
// Stride defaults to the canonical strides of Shape in Order.
type InspectRequest struct {
	Name   string    `cbor:"name"`
	DType  string    `cbor:"dtype"`
	Order  string    `cbor:"order"`
	Data   []float64 `cbor:"data"`
	Shape  []int64   `cbor:"shape"`
	Stride []int64   `cbor:"stride,omitempty"`
	Offset int64     `cbor:"offset"`
	// Scale, when set, multiplies the view by Scale on the device before
	// copying it back to the host buffer.
	Scale *float64 `cbor:"scale,omitempty"`
}

// InspectResponse carries the device snapshot of the view and the host
// buffer after synchronization.
type InspectResponse struct {
	Backend  string          `cbor:"backend"`
	Snapshot client.Snapshot `cbor:"snapshot"`
	Host     []float64       `cbor:"host"`
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

var errTooLarge = errors.New("view exceeds the staging budget")

type Server struct {
	backend      device.Backend
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	requests     *semaphore.Weighted
	staging      *semaphore.Weighted
	maxStaging   int64
}

func NewServer(backend device.Backend, fc FlightClientInterface, dataset string, maxConcurrent int, maxStaging int64) *Server {
	s := &Server{
		backend:      backend,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		requests:     semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		maxStaging:   maxStaging,
	}
	if maxStaging > 0 {
		s.staging = semaphore.NewWeighted(maxStaging)
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/inspect", s.handleInspect)
	mux.HandleFunc("/inspect/arrow", s.handleInspectArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, backend device.Backend, fc FlightClientInterface, dataset string, maxConcurrent int, maxStaging int64) {
	srv := NewServer(backend, fc, dataset, maxConcurrent, maxStaging)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "devview_vram_allocated_bytes",
			Help: "Current device memory allocated by the backend",
		},
		func() float64 {
			alloc, _ := backend.GetVRAMUsage()
			return float64(alloc)
		},
	))

	log.Info().Str("addr", addr).Str("backend", backend.Name()).Msg("Starting devview server")
	if fc != nil {
		log.Info().Str("dataset", dataset).Msg("Forwarding snapshots to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("devview-server")

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInspect")
	defer span.End()

	resp, ok := s.serveInspect(ctx, w, r)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("mode", resp.Snapshot.Mode),
		attribute.Int("length", resp.Snapshot.Len()),
	)

	data, err := cbor.Marshal(resp)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("CBOR encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleInspectArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInspectArrow")
	defer span.End()

	resp, ok := s.serveInspect(ctx, w, r)
	if !ok {
		return
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch([]client.Snapshot{resp.Snapshot})
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := client.WriteIPC(&buf, rec); err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// serveInspect decodes, admits and runs an inspect request, writing the HTTP
// error itself when it fails.
func (s *Server) serveInspect(ctx context.Context, w http.ResponseWriter, r *http.Request) (*InspectResponse, bool) {
	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	var req InspectRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return nil, false
	}

	// Admission Control
	if err := s.requests.Acquire(ctx, 1); err != nil {
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, false
	}
	defer s.requests.Release(1)

	resp, err := s.inspect(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("name", req.Name).Msg("Inspect failed")
		http.Error(w, err.Error(), statusFor(err))
		return nil, false
	}
	viewsInspected.Inc()

	if s.flightClient != nil {
		if err := s.forwardToLongbow(ctx, resp.Snapshot); err != nil {
			log.Error().Err(err).Msg("Error forwarding snapshot to Longbow")
		}
	}
	return resp, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pointer.ErrShape), errors.Is(err, client.ErrSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pointer.ErrAllocation):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) inspect(ctx context.Context, req InspectRequest) (*InspectResponse, error) {
	var (
		snap client.Snapshot
		host []float64
		err  error
	)
	switch req.DType {
	case device.Float32.String():
		snap, host, err = inspectView[float32](ctx, s, req)
	case device.Float64.String():
		snap, host, err = inspectView[float64](ctx, s, req)
	case device.Complex64.String():
		snap, host, err = inspectView[complex64](ctx, s, req)
	case device.Complex128.String():
		snap, host, err = inspectView[complex128](ctx, s, req)
	default:
		err = fmt.Errorf("%w: unknown dtype %q", client.ErrSnapshot, req.DType)
	}
	if err != nil {
		return nil, err
	}
	return &InspectResponse{Backend: s.backend.Name(), Snapshot: snap, Host: host}, nil
}

func inspectView[T ndarray.Element](ctx context.Context, s *Server, req InspectRequest) (client.Snapshot, []float64, error) {
	data, err := client.FromSlots[T](req.Data)
	if err != nil {
		return client.Snapshot{}, nil, err
	}
	view, err := requestView(data, req)
	if err != nil {
		return client.Snapshot{}, nil, err
	}
	if err := view.Validate(); err != nil {
		return client.Snapshot{}, nil, err
	}

	if view.IsView() && s.staging != nil {
		weight := int64(view.ByteLen())
		if weight > s.maxStaging {
			return client.Snapshot{}, nil, fmt.Errorf("%w: %d bytes, budget %d", errTooLarge, weight, s.maxStaging)
		}
		if err := s.staging.Acquire(ctx, weight); err != nil {
			return client.Snapshot{}, nil, err
		}
		defer s.staging.Release(weight)
	}
	defer releaseMirror(s.backend, view.Bytes())

	var snap client.Snapshot
	err = pointer.With(ctx, s.backend, pointer.View[T](view), func(p *pointer.Pointer[T]) error {
		if req.Scale != nil {
			kernels, ok := s.backend.(device.Kernels)
			if !ok {
				return fmt.Errorf("backend %s has no kernels", s.backend.Name())
			}
			dp, err := p.DevicePointer()
			if err != nil {
				return err
			}
			if err := kernels.Scal(p.DataType(), p.Len(), *req.Scale, dp, 1); err != nil {
				return err
			}
			if err := p.CopyToHost(ctx); err != nil {
				return err
			}
		}
		var serr error
		snap, serr = client.SnapshotOf(req.Name, p)
		return serr
	})
	if err != nil {
		return client.Snapshot{}, nil, err
	}
	return snap, client.Slots(data), nil
}

func requestView[T ndarray.Element](data []T, req InspectRequest) (*ndarray.Array[T], error) {
	var order ndarray.Order
	switch req.Order {
	case "", ndarray.RowMajor.String():
		order = ndarray.RowMajor
	case ndarray.ColumnMajor.String():
		order = ndarray.ColumnMajor
	default:
		return nil, fmt.Errorf("%w: unknown order %q", client.ErrSnapshot, req.Order)
	}
	shape := make([]int, len(req.Shape))
	for i, d := range req.Shape {
		shape[i] = int(d)
	}
	stride := ndarray.Strides(order, shape...)
	if len(req.Stride) > 0 {
		stride = make([]int, len(req.Stride))
		for i, d := range req.Stride {
			stride[i] = int(d)
		}
	}
	return ndarray.View(data, shape, stride, int(req.Offset), order), nil
}

func (s *Server) forwardToLongbow(ctx context.Context, snap client.Snapshot) error {
	rb, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch([]client.Snapshot{snap})
	if err != nil {
		return err
	}
	defer rb.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
