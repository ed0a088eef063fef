package pipeline

// ring is a fixed capacity buffer that evicts its oldest element when full.
// It is not safe for concurrent use.
type ring[T any] struct {
	items []T
	start int // index of the oldest item
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, max(capacity, 1))}
}

func (r *ring[T]) push(item T) {
	idx := (r.start + r.count) % len(r.items)
	if r.count < len(r.items) {
		r.items[idx] = item
		r.count++
	} else {
		r.items[r.start] = item
		r.start = (r.start + 1) % len(r.items)
	}
}

func (r *ring[T]) len() int {
	return r.count
}

// last returns the n most recent items, oldest first.
func (r *ring[T]) last(n int) []T {
	n = min(n, r.count)
	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = r.items[(r.start+r.count-n+i)%len(r.items)]
	}
	return result
}

func (r *ring[T]) all() []T {
	return r.last(r.count)
}

func (r *ring[T]) clear() {
	clear(r.items)
	r.start, r.count = 0, 0
}
