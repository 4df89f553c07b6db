// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package cache

// Ring is a fixed-capacity FIFO queue backed by a circular buffer.
// Pushing onto a full ring evicts the oldest element. Ring is not safe for
// concurrent use; owners guard it with their own mutex.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring holding at most capacity elements (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of held elements.
func (r *Ring[T]) Len() int { return r.count }

// Full reports whether the next Push evicts.
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }

// Push appends v as the newest element. When the ring is full the oldest
// element is evicted and returned with true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.Full() {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return evicted, false
}

// At returns the i-th element, oldest first.
func (r *Ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Set replaces the i-th element, oldest first.
func (r *Ring[T]) Set(i int, v T) {
	r.buf[(r.head+i)%len(r.buf)] = v
}

// Index returns the position of the first element matching pred, or -1.
func (r *Ring[T]) Index(pred func(T) bool) int {
	for i := 0; i < r.count; i++ {
		if pred(r.At(i)) {
			return i
		}
	}
	return -1
}

// RemoveAt removes the i-th element, preserving the order of the rest.
func (r *Ring[T]) RemoveAt(i int) T {
	removed := r.At(i)
	for j := i; j < r.count-1; j++ {
		r.Set(j, r.At(j+1))
	}
	var zero T
	r.Set(r.count-1, zero)
	r.count--
	if r.count == 0 {
		r.head = 0
	}
	return removed
}

// Items returns a copy of the elements, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Clear removes every element.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
}
