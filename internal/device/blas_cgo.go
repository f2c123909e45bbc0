//go:build cgo

package device

// This file routes host-side vector copies and kernels through the system
// BLAS (Accelerate on macOS, OpenBLAS on Linux) when CGO is available.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	cblas128.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
