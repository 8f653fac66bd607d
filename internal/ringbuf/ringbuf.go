// Package ringbuf provides a bounded, thread-safe circular buffer.
package ringbuf

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// Ring is a thread-safe circular buffer. Adding to a full ring overwrites the
// oldest item.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	count int
	cap   int
}

// New creates a ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		items: make([]T, capacity),
		cap:   capacity,
	}
}

// Add inserts item, overwriting the oldest if full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.cap {
		r.items[r.head] = item
		r.head = (r.head + 1) % r.cap
		return
	}
	r.items[(r.head+r.count)%r.cap] = item
	r.count++
}

// All returns the items oldest first.
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(r.head+i)%r.cap]
	}
	return result
}

// Newest returns the items newest first.
func (r *Ring[T]) Newest() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(r.head+r.count-1-i)%r.cap]
	}
	return result
}

// Retain keeps only the items for which keep returns true, preserving order.
// It returns the number of items removed.
func (r *Ring[T]) Retain(keep func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]T, r.cap)
	n := 0
	for i := 0; i < r.count; i++ {
		item := r.items[(r.head+i)%r.cap]
		if keep(item) {
			kept[n] = item
			n++
		}
	}
	removed := r.count - n
	r.items = kept
	r.head = 0
	r.count = n
	return removed
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	r.items = make([]T, r.cap)
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}

// Len returns the number of items in the ring.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return r.cap
}
