// Package aer holds the bounded containers behind asynchronous event
// reporting: the queue of outstanding AER command identifiers and the
// changed namespace list.
package aer

// Ring is a fixed-capacity FIFO of command identifiers. It is not safe
// for concurrent use; the owning controller serializes access.
type Ring struct {
	cids    []uint16
	head    int // next slot to pop
	pending int
}

// NewRing creates a ring holding up to capacity identifiers
func NewRing(capacity int) *Ring {
	return &Ring{cids: make([]uint16, capacity)}
}

// Push appends cid. It returns false, leaving the ring unchanged, when full.
func (r *Ring) Push(cid uint16) bool {
	if r.pending == len(r.cids) {
		return false
	}
	r.cids[(r.head+r.pending)%len(r.cids)] = cid
	r.pending++
	return true
}

// Pop removes and returns the oldest identifier
func (r *Ring) Pop() (uint16, bool) {
	if r.pending == 0 {
		return 0, false
	}
	cid := r.cids[r.head]
	r.head = (r.head + 1) % len(r.cids)
	r.pending--
	return cid, true
}

// Len returns the number of outstanding identifiers
func (r *Ring) Len() int {
	return r.pending
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return len(r.cids)
}

// Reset drops every outstanding identifier without completing it
func (r *Ring) Reset() {
	r.head = 0
	r.pending = 0
}
