package pointer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pointersWrapped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devview_pointers_wrapped_total",
		Help: "Host views wrapped as device pointers, by mode",
	}, []string{"mode"})

	stagedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devview_staged_bytes",
		Help: "Device bytes currently held by staging buffers",
	})

	copyToHostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devview_copy_to_host_total",
		Help: "Device to host synchronizations, by mode",
	}, []string{"mode"})

	pointerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devview_pointer_errors_total",
		Help: "Failed pointer operations, by error kind",
	}, []string{"kind"})
)
