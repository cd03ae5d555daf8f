// Package arena provides a fixed-capacity ID allocator with attached values.
package arena

import (
	"errors"
	"sync"
)

// ErrExhausted is returned when every ID is in use
var ErrExhausted = errors.New("arena: no free IDs")

// Arena hands out the lowest free ID in [0, size) and stores one value per
// ID. It is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	used  int
	hint  int // no free slot below hint
}

type slot[T any] struct {
	v    T
	used bool
}

// New creates an arena of size IDs
func New[T any](size int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], size)}
}

// Reserve allocates the lowest free ID. Its value is the zero T until Set.
func (a *Arena[T]) Reserve() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.hint; i < len(a.slots); i++ {
		if !a.slots[i].used {
			a.slots[i].used = true
			a.used++
			a.hint = i + 1
			return uint16(i), nil
		}
	}
	return 0, ErrExhausted
}

// Set stores v under a reserved id. It reports false if id is not reserved.
func (a *Arena[T]) Set(id uint16, v T) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id) >= len(a.slots) || !a.slots[id].used {
		return false
	}
	a.slots[id].v = v
	return true
}

// Get returns the value stored under id
func (a *Arena[T]) Get(id uint16) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id) >= len(a.slots) || !a.slots[id].used {
		var zero T
		return zero, false
	}
	return a.slots[id].v, true
}

// Release frees id for reuse. Releasing a free ID is a no-op.
func (a *Arena[T]) Release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id) >= len(a.slots) || !a.slots[id].used {
		return
	}
	var zero T
	a.slots[id] = slot[T]{v: zero}
	a.used--
	if int(id) < a.hint {
		a.hint = int(id)
	}
}

// Len returns the number of IDs in use
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Cap returns the number of IDs the arena can hand out
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Values returns the values of all IDs in use, ordered by ID
func (a *Arena[T]) Values() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]T, 0, a.used)
	for _, s := range a.slots {
		if s.used {
			out = append(out, s.v)
		}
	}
	return out
}
