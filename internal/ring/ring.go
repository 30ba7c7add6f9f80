// Package ring provides a fixed-capacity FIFO buffer that evicts its oldest
// entry on overflow. It is not safe for concurrent use; owners guard it.
package ring

// Ring is a bounded FIFO of T.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// New returns a ring holding at most capacity entries. capacity must be > 0.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full. It reports whether an
// entry was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Last returns a copy of the newest n entries, oldest first. n <= 0 or n
// larger than Len returns everything.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]T, n)
	skip := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// All returns a copy of every entry, oldest first.
func (r *Ring[T]) All() []T { return r.Last(0) }

// Newest returns the most recent entry.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// Reset drops every entry.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
