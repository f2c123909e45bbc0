package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-devview/internal/client"
	"github.com/23skdu/longbow-devview/internal/device"
)

var (
	backendName   = flag.String("backend", "cpu", "Device backend (cpu, cuda)")
	deviceIndex   = flag.Int("device", 0, "CUDA device index")
	matrixSize    = flag.Int("size", 64, "Matrix size N for the NxN self-check")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	sharedMirrors = flag.Bool("shared-mirrors", true, "CPU backend: alias host memory instead of uploading mirrors")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "devview_snapshots", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent inspect requests")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	flagMaxVRAM   = flag.String("max-vram", "4GB", "Maximum device memory for staging buffers (e.g. 4GB, 512MB)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

var printer = message.NewPrinter(language.English)

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.TrimSuffix(unit, "B") {
	case "G":
		return val * 1024 * 1024 * 1024
	case "M":
		return val * 1024 * 1024
	case "K":
		return val * 1024
	default:
		return val
	}
}

// humanBytes formats n with thousands separators for log lines.
func humanBytes(n int64) string {
	return printer.Sprintf("%d B", n)
}

func newBackend(name string, capacity int64) (device.Backend, error) {
	switch name {
	case "cpu":
		return device.NewCPUBackend(device.WithCapacity(capacity), device.WithSharedMirrors(*sharedMirrors)), nil
	case "cuda":
		b, err := device.NewCudaBackend(*deviceIndex)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	maxVRAMBytes := parseBytes(*flagMaxVRAM)
	backend, err := newBackend(*backendName, maxVRAMBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create device backend")
	}
	log.Info().Str("backend", backend.Name()).Str("max_vram", humanBytes(maxVRAMBytes)).Msg("Device backend ready")
	if r, ok := backend.(device.MirrorReleaser); ok {
		defer func() {
			if n := r.ReleaseMirrors(); n > 0 {
				log.Debug().Int("mirrors", n).Msg("Released device mirrors")
			}
		}()
	}

	var fc *client.FlightClient
	if *serverAddr != "" {
		fc, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
	}

	// Server Mode
	if *listenAddr != "" {
		var fcInterface FlightClientInterface
		if fc != nil {
			fcInterface = fc
		}
		go startServer(*listenAddr, backend, fcInterface, *datasetName, *maxConcurrent, maxVRAMBytes)
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, backend)
		return
	}

	if *listenAddr != "" {
		select {}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ctx := context.Background()

	if *duration > 0 {
		runSoak(ctx, backend, rng, *matrixSize, *duration)
		return
	}

	start := time.Now()
	report, err := selfCheck(ctx, backend, rng, *matrixSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Self-check failed")
	}
	log.Info().
		Int("size", *matrixSize).
		Int("aliased", report.aliased).
		Int("staged", report.staged).
		Str("staged_bytes", humanBytes(report.stagedBytes)).
		Dur("elapsed", time.Since(start)).
		Msg("Self-check passed")

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(report.snapshots)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build snapshot batch")
	}
	defer rec.Release()

	// If server is provided, send via Flight
	if fc != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Int64("rows", rec.NumRows()).Str("dataset", *datasetName).Msg("Sent snapshots to Longbow")
		return
	}
	if err := client.WriteIPC(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func runSoak(ctx context.Context, backend device.Backend, rng *rand.Rand, n int, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("size", n).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalViews, totalBytes int64
	var iter int

	for time.Now().Before(endTime) {
		report, err := selfCheck(ctx, backend, rng, n)
		if err != nil {
			log.Fatal().Err(err).Int("iter", iter).Msg("Soak iteration failed")
		}
		totalViews += int64(report.aliased + report.staged)
		totalBytes += report.stagedBytes
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			used, _ := backend.GetVRAMUsage()
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_views", totalViews).
				Str("staged", humanBytes(totalBytes)).
				Str("device_in_use", humanBytes(used)).
				Float64("views_per_sec", float64(totalViews)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_views", totalViews).
		Dur("total_time", totalElapsed).
		Float64("avg_views_per_sec", float64(totalViews)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("devview"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
