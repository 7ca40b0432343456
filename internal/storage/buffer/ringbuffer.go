// Package buffer provides a fixed-capacity ring used as a recent-items index.
package buffer

import "sync"

const defaultCapacity = 64

// Ring keeps the newest Cap values pushed to it. It is safe for concurrent
// use.
type Ring[T any] struct {
	mu     sync.RWMutex
	buf    []T
	next   int // slot the next push writes
	size   int
	pushed int64
}

// New returns a ring holding up to capacity values. A non-positive
// capacity falls back to 64.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push stores v, evicting the oldest value when the ring is full. It
// reports whether a value was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.size == len(r.buf)
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if !evicted {
		r.size++
	}
	r.pushed++
	return evicted
}

// at returns the i-th oldest value. Caller holds r.mu.
func (r *Ring[T]) at(i int) T {
	start := r.next - r.size
	if start < 0 {
		start += len(r.buf)
	}
	return r.buf[(start+i)%len(r.buf)]
}

// Newest returns the most recently pushed value.
func (r *Ring[T]) Newest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.at(r.size - 1), true
}

// Last returns up to n of the newest values, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n = min(n, r.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range n {
		out[i] = r.at(r.size - n + i)
	}
	return out
}

// Values returns every held value, oldest first.
func (r *Ring[T]) Values() []T {
	return r.Last(len(r.buf))
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Evicted returns how many values have been pushed out. Zero means the ring
// still holds everything ever pushed.
func (r *Ring[T]) Evicted() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pushed - int64(r.size)
}

// Reset empties the ring and its counters.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next, r.size, r.pushed = 0, 0, 0
}
