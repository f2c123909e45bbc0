package main

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-devview/internal/client"
	"github.com/23skdu/longbow-devview/internal/device"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

func postCBOR(t *testing.T, h http.HandlerFunc, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(v)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", path, bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func columnRequest() InspectRequest {
	// 2x2 row-major [[1,2],[3,4]], column 1
	return InspectRequest{
		Name:   "col1",
		DType:  "float64",
		Order:  "c",
		Data:   []float64{1, 2, 3, 4},
		Shape:  []int64{2, 1},
		Stride: []int64{2, 1},
		Offset: 1,
	}
}

func TestServer_Full(t *testing.T) {
	mfc := &mockFlightClient{}
	srv := NewServer(device.NewCPUBackend(), mfc, "test-dataset", 4, 1<<20)

	t.Run("HandleInspect with Forwarding", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		scale := 10.0
		req := columnRequest()
		req.Scale = &scale
		rr := postCBOR(t, srv.handleInspect, "/inspect", req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp InspectResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "CPU", resp.Backend)
		assert.Equal(t, "staged", resp.Snapshot.Mode)
		assert.Equal(t, []float64{20, 40}, resp.Snapshot.Values)
		assert.Equal(t, []float64{1, 20, 3, 40}, resp.Host, "column 0 untouched")
		mfc.AssertExpectations(t)
	})

	t.Run("HandleInspectArrow", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		req := InspectRequest{
			Name: "c", DType: "complex128", Order: "f",
			Data:  []float64{2, 0, 6, 0, 1, 1, 1, 1},
			Shape: []int64{2, 2},
		}
		rr := postCBOR(t, srv.handleInspectArrow, "/inspect/arrow", req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/vnd.apache.arrow.stream", rr.Header().Get("Content-Type"))

		snaps, err := client.ReadIPC(rr.Body, memory.NewGoAllocator())
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, "aliased", snaps[0].Mode)
		assert.Equal(t, req.Data, snaps[0].Values)
	})

	t.Run("Errors", func(t *testing.T) {
		bad := columnRequest()
		bad.DType = "int8"
		assert.Equal(t, http.StatusBadRequest, postCBOR(t, srv.handleInspect, "/inspect", bad).Code)

		outside := columnRequest()
		outside.Offset = 3
		assert.Equal(t, http.StatusBadRequest, postCBOR(t, srv.handleInspect, "/inspect", outside).Code)

		overflow := columnRequest()
		overflow.Shape = []int64{3, 6148914691236517206}
		overflow.Stride = []int64{1, 3}
		overflow.Offset = 0
		assert.Equal(t, http.StatusBadRequest, postCBOR(t, srv.handleInspect, "/inspect", overflow).Code)

		req, _ := http.NewRequest("GET", "/inspect", nil)
		rr := httptest.NewRecorder()
		srv.handleInspect(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

		req, _ = http.NewRequest("POST", "/inspect", bytes.NewReader([]byte{0xff}))
		rr = httptest.NewRecorder()
		srv.handleInspect(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_StagingBudget(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, "", 4, 8)

	rr := postCBOR(t, srv.handleInspect, "/inspect", columnRequest())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	// aliased views need no staging budget
	whole := InspectRequest{Name: "all", DType: "float64", Data: []float64{1, 2, 3, 4}, Shape: []int64{4}}
	rr = postCBOR(t, srv.handleInspect, "/inspect", whole)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_DeviceFull(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(device.WithCapacity(8)), nil, "", 4, 0)
	rr := postCBOR(t, srv.handleInspect, "/inspect", columnRequest())
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
}

func TestParseBytes(t *testing.T) {
	assert.Equal(t, int64(4<<30), parseBytes("4GB"))
	assert.Equal(t, int64(512<<20), parseBytes("512MB"))
	assert.Equal(t, int64(2<<10), parseBytes("2k"))
	assert.Equal(t, int64(1024), parseBytes("1024"))
	assert.Equal(t, int64(0), parseBytes(""))
}

func TestSelfCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, shared := range []bool{true, false} {
		backend := device.NewCPUBackend(device.WithSharedMirrors(shared))
		report, err := selfCheck(context.Background(), backend, rng, 5)
		require.NoError(t, err)

		// column-major: rows are staged, columns aliased, plus the gonum
		// submatrix and the complex column
		assert.Equal(t, 5, report.aliased)
		assert.Equal(t, 7, report.staged)
		assert.Len(t, report.snapshots, 3)

		used, _ := backend.GetVRAMUsage()
		assert.Zero(t, used)
		assert.Zero(t, backend.Mirrors())
	}

	_, err := selfCheck(context.Background(), device.NewCPUBackend(), rng, 0)
	assert.Error(t, err)
}

func TestFlightServer_RoundTrip(t *testing.T) {
	fs := NewDevviewFlightServer(device.NewCPUBackend())
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(fs)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := selfCheck(ctx, device.NewCPUBackend(), rand.New(rand.NewSource(3)), 4)
	require.NoError(t, err)
	require.NoError(t, fc.PutSnapshots(ctx, "ds", report.snapshots))
	assert.Len(t, fs.Snapshots("ds"), len(report.snapshots))

	got, err := fc.GetSnapshots(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, report.snapshots, got)

	t.Run("UnknownDataset", func(t *testing.T) {
		_, err := fc.GetSnapshots(ctx, "missing")
		assert.Error(t, err)
	})

	t.Run("UnknownDType", func(t *testing.T) {
		err := verifySnapshot(ctx, device.NewCPUBackend(), client.Snapshot{DType: "int8"})
		assert.ErrorIs(t, err, client.ErrSnapshot)
	})
}

func TestVerifySnapshot_Bounds(t *testing.T) {
	backend := device.NewCPUBackend()

	t.Run("EmptyWithHugeExtent", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap := client.Snapshot{DType: "float64", Order: "c", Shape: []int64{0, 1 << 40}}
		require.NoError(t, verifySnapshot(ctx, backend, snap))
		require.NoError(t, ctx.Err(), "verification must not walk the empty extent")
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		snap := client.Snapshot{DType: "float64", Order: "c", Shape: []int64{2, 2}, Values: []float64{1, 2, 3, 4}}
		assert.ErrorIs(t, verifySnapshot(ctx, backend, snap), context.Canceled)
	})

	t.Run("ShapeOverflow", func(t *testing.T) {
		snap := client.Snapshot{DType: "float64", Order: "c", Shape: []int64{1 << 32, 1 << 32}}
		assert.ErrorIs(t, verifySnapshot(context.Background(), backend, snap), client.ErrSnapshot)
	})
}
