package session

// Ring is a fixed-capacity circular buffer. When full, Push overwrites the
// oldest entry. Ring is not safe for concurrent use; Session guards it.
type Ring[T any] struct {
	buf  []T
	head int // next write position
	n    int
}

// NewRing creates a ring holding at most size entries.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Push appends v, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Items returns the entries oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.n)
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Last returns up to k of the newest entries, oldest first.
func (r *Ring[T]) Last(k int) []T {
	items := r.Items()
	if k < len(items) {
		return items[len(items)-k:]
	}
	return items
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Reset clears the ring.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}
