package queue

import "sync"

// BufferPool provides pooled byte slices for data transfers.
// Uses size-bucketed pools (4KB, 64KB, 1MB): 4KB covers Identify and log
// pages, the larger buckets cover namespace reads and writes.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k  = 4 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

var globalPool = struct {
	pool4k  sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a zeroed buffer of the requested size.
// Sizes above 1MB are allocated directly.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	var buf []byte
	switch {
	case size <= size4k:
		buf = (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		buf = (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size1m:
		buf = (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
	clear(buf)
	return buf
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
