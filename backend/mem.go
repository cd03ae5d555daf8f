// Package backend provides namespace storage and the command dispatcher
// that executes NVM commands against it
package backend

import (
	"errors"
	"sync"
)

const (
	memChunkShift = 16
	memChunkSize  = 1 << memChunkShift
	memChunkMask  = memChunkSize - 1
)

var (
	errNegativeOffset = errors.New("negative offset")
	errPastEnd        = errors.New("write beyond end of namespace")
)

// Memory is a thin-provisioned RAM store. Backing memory is allocated in
// 64 KiB chunks on first write; unwritten and deallocated ranges read as
// zeroes, and deallocating a whole chunk returns it to the runtime.
type Memory struct {
	mu     sync.RWMutex
	chunks [][]byte
	size   int64
}

// MemoryStats describes how much of a Memory store is backed
type MemoryStats struct {
	Size      int64
	Allocated int64
	Chunks    int
}

// NewMemory creates an empty memory store of size bytes
func NewMemory(size int64) *Memory {
	return &Memory{
		chunks: make([][]byte, (size+memChunkMask)>>memChunkShift),
		size:   size,
	}
}

// span calls fn for each chunk piece of [off, off+n). The caller holds mu
// and has clipped the range to the store.
func (m *Memory) span(off int64, n int, fn func(idx int, in int64, lo, hi int)) {
	for done := 0; done < n; {
		pos := off + int64(done)
		in := pos & memChunkMask
		step := min(int(memChunkSize-in), n-done)
		fn(int(pos>>memChunkShift), in, done, done+step)
		done += step
	}
}

func (m *Memory) clip(n int, off int64) int {
	if off >= m.size {
		return 0
	}
	return int(min(int64(n), m.size-off))
}

// ReadAt implements the Store interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.clip(len(p), off)
	m.span(off, n, func(idx int, in int64, lo, hi int) {
		if c := m.chunks[idx]; c != nil {
			copy(p[lo:hi], c[in:])
		} else {
			clear(p[lo:hi])
		}
	})
	return n, nil
}

// WriteAt implements the Store interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return 0, errPastEnd
	}
	n := m.clip(len(p), off)
	m.span(off, n, func(idx int, in int64, lo, hi int) {
		if m.chunks[idx] == nil {
			m.chunks[idx] = make([]byte, memChunkSize)
		}
		copy(m.chunks[idx][in:], p[lo:hi])
	})
	return n, nil
}

// Size implements the Store interface
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Flush implements the Store interface. Memory has nothing volatile.
func (m *Memory) Flush() error {
	return nil
}

// Discard implements the Discarder interface. Fully covered chunks are
// released, partial ones zeroed.
func (m *Memory) Discard(offset, length int64) error {
	if offset < 0 || length < 0 {
		return errNegativeOffset
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.clip(int(min(length, m.size)), offset)
	m.span(offset, n, func(idx int, in int64, lo, hi int) {
		c := m.chunks[idx]
		switch {
		case c == nil:
		case in == 0 && hi-lo == memChunkSize:
			m.chunks[idx] = nil
		default:
			clear(c[in : in+int64(hi-lo)])
		}
	})
	return nil
}

// WriteZeroes implements the ZeroWriter interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Close releases the backing memory; the store reads as empty afterwards
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = nil
	m.size = 0
	return nil
}

// Stats reports the store size and how much of it is backed
func (m *Memory) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MemoryStats{Size: m.size}
	for _, c := range m.chunks {
		if c != nil {
			stats.Chunks++
		}
	}
	stats.Allocated = int64(stats.Chunks) * memChunkSize
	return stats
}

var (
	_ Store      = (*Memory)(nil)
	_ Discarder  = (*Memory)(nil)
	_ ZeroWriter = (*Memory)(nil)
)
