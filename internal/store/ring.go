package store

// Ring is a fixed-capacity circular buffer. Once full, each Push overwrites the oldest item.
type Ring[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Slice returns a copy of the items, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}
