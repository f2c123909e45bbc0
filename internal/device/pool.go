package device

import (
	"math"
	"sync"
	"unsafe"
)

// maxPerBucket bounds how many idle buffers a bucket keeps.
const maxPerBucket = 16

// bufferPoolEntry represents a pooled host-memory region.
type bufferPoolEntry struct {
	buf []byte
}

// bufferPool recycles staging regions by power-of-two size bucket.
type bufferPool struct {
	mu      sync.Mutex
	buckets map[int][]bufferPoolEntry
}

func newBufferPool() *bufferPool {
	return &bufferPool{buckets: make(map[int][]bufferPoolEntry)}
}

func getBucket(size int) int {
	if size <= 0 {
		return 0
	}
	// 1-2 bytes -> bucket 1, 3-4 bytes -> bucket 2, 5-8 bytes -> bucket 3, etc.
	return int(math.Ceil(math.Log2(float64(size))))
}

// get returns a zeroed buffer of exactly sizeBytes, reusing a pooled one when
// a bucket holds a large enough entry.
func (p *bufferPool) get(sizeBytes int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := getBucket(sizeBytes)
	for i := bucket; i <= bucket+2; i++ {
		list := p.buckets[i]
		bestIdx := -1
		for idx, entry := range list {
			if cap(entry.buf) >= sizeBytes {
				if bestIdx == -1 || cap(entry.buf) < cap(list[bestIdx].buf) {
					bestIdx = idx
				}
			}
		}
		if bestIdx == -1 {
			continue
		}
		buf := list[bestIdx].buf
		p.buckets[i] = append(list[:bestIdx], list[bestIdx+1:]...)

		poolHits.Inc()
		poolSizeBytes.Sub(float64(cap(buf)))
		poolBuffers.Dec()

		buf = buf[:sizeBytes]
		clear(buf)
		return buf
	}

	poolMisses.Inc()
	return alignedBytes(sizeBytes)
}

// put returns a buffer to its bucket, dropping it when the bucket is full.
func (p *bufferPool) put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := getBucket(cap(buf))
	if len(p.buckets[bucket]) >= maxPerBucket {
		return
	}
	p.buckets[bucket] = append(p.buckets[bucket], bufferPoolEntry{buf: buf[:cap(buf)]})
	poolSizeBytes.Add(float64(cap(buf)))
	poolBuffers.Inc()
}

// alignedBytes allocates n bytes on an 8-byte boundary so the region can be
// reinterpreted as any supported element type.
func alignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)[:n]
}
