//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-devview/internal/client"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to devview Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	// 3x2 column-major matrix plus a complex column
	snaps := []client.Snapshot{
		{
			Name: "matrix", DType: "float64", Mode: "aliased", Order: "f",
			Shape: []int64{3, 2}, Stride: []int64{1, 3},
			Values: []float64{1, 2, 3, 4, 5, 6},
		},
		{
			Name: "complex_col", DType: "complex128", Mode: "staged", Order: "c",
			Shape: []int64{2, 1}, Stride: []int64{2, 1},
			Values: []float64{2, 0, 6, 0},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Retry loop: the server may still be starting
	for i := 0; i < 10; i++ {
		err = c.PutSnapshots(ctx, "verify", snaps)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("DoPut failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("DoPut failed after retries")
	}

	start := time.Now()
	got, err := c.GetSnapshots(ctx, "verify")
	if err != nil {
		log.Fatal().Err(err).Msg("DoGet failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("count", len(got)).Msg("Received snapshots")

	if len(got) < len(snaps) {
		log.Fatal().Int("expected", len(snaps)).Int("got", len(got)).Msg("Count mismatch")
	}
	for i, s := range snaps {
		if !reflect.DeepEqual(s, got[i]) {
			log.Fatal().Str("name", s.Name).Msg("Snapshot mismatch")
		}
		log.Info().Str("name", s.Name).Int("elements", s.Len()).Msg("Snapshot valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
