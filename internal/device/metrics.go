package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devview_pool_hits_total",
		Help: "Total number of successful staging pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devview_pool_misses_total",
		Help: "Total number of staging pool misses (allocations)",
	})

	poolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devview_pool_size_bytes",
		Help: "Current total size of buffers in the pool in bytes",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devview_pool_buffers_count",
		Help: "Current total number of buffers in the pool",
	})

	allocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devview_device_allocated_bytes",
		Help: "Device bytes currently allocated, mirrors included",
	}, []string{"device"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devview_transfer_bytes_total",
		Help: "Payload bytes moved between host and device",
	}, []string{"device", "direction"})
)
