package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestGetBucket(t *testing.T) {
	assert.Equal(t, 0, getBucket(0))
	assert.Equal(t, 0, getBucket(1))
	assert.Equal(t, 1, getBucket(2))
	assert.Equal(t, 2, getBucket(3))
	assert.Equal(t, 10, getBucket(1024))
	assert.Equal(t, 11, getBucket(1025))
}

func TestBufferPool_Metrics(t *testing.T) {
	pool := newBufferPool()

	// metrics are global, so track deltas
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	b1 := pool.get(40000)
	assert.Equal(t, 1.0, getMetricValue(poolMisses)-startMisses)
	assert.Len(t, b1, 40000)

	b1[0] = 0xff
	pool.put(b1)

	b2 := pool.get(39000)
	assert.Equal(t, 1.0, getMetricValue(poolHits)-startHits)
	assert.Len(t, b2, 39000)
	assert.Equal(t, byte(0), b2[0], "pooled buffers come back cleared")
}

func TestBufferPool_BucketLimit(t *testing.T) {
	pool := newBufferPool()
	for i := 0; i < maxPerBucket+4; i++ {
		pool.put(make([]byte, 512))
	}
	assert.Len(t, pool.buckets[getBucket(512)], maxPerBucket)
}

func TestAlignedBytes(t *testing.T) {
	for _, n := range []int{1, 7, 8, 33} {
		b := alignedBytes(n)
		assert.Len(t, b, n)
		assert.True(t, aligned(b, 8))
	}
	assert.Empty(t, alignedBytes(0))
}

func TestCPUBackend_AllocReusesPool(t *testing.T) {
	backend := NewCPUBackend()
	startHits := getMetricValue(poolHits)

	p, err := backend.Alloc(4096)
	assert.NoError(t, err)
	backend.Free(p)

	q, err := backend.Alloc(4000)
	assert.NoError(t, err)
	defer backend.Free(q)
	assert.Equal(t, 1.0, getMetricValue(poolHits)-startHits)
}
