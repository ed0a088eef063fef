// Package heap is a generic binary min-heap with removal by predicate.
package heap

import (
	"iter"
	"slices"
)

type Heap[T any] struct {
	data []T
	less func(a, b T) bool
}

func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{
		data: []T{},
		less: less,
	}
}

func (h *Heap[T]) Push(value T) {
	h.data = append(h.data, value)
	h.bubbleUp(len(h.data) - 1)
}

func (h *Heap[T]) Pop() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.removeAt(0), true
}

func (h *Heap[T]) Peek() (T, bool) {
	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.data[0], true
}

// RemoveFunc removes every element for which match returns true and reports
// how many were removed.
func (h *Heap[T]) RemoveFunc(match func(T) bool) int {
	before := len(h.data)
	h.data = slices.DeleteFunc(h.data, match)
	for i := len(h.data)/2 - 1; i >= 0; i-- {
		h.bubbleDown(i)
	}
	return before - len(h.data)
}

// All yields the elements in heap order, which is not sorted order.
func (h *Heap[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range h.data {
			if !yield(v) {
				return
			}
		}
	}
}

func (h *Heap[T]) removeAt(index int) T {
	removed := h.data[index]
	last := len(h.data) - 1
	h.data[index] = h.data[last]
	var zero T
	h.data[last] = zero
	h.data = h.data[:last]
	if index < last {
		h.bubbleDown(index)
		h.bubbleUp(index)
	}
	return removed
}

func (h *Heap[T]) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !h.less(h.data[index], h.data[parent]) {
			break
		}
		h.data[index], h.data[parent] = h.data[parent], h.data[index]
		index = parent
	}
}

func (h *Heap[T]) bubbleDown(index int) {
	size := len(h.data)
	for {
		left := 2*index + 1
		right := 2*index + 2
		smallest := index

		if left < size && h.less(h.data[left], h.data[smallest]) {
			smallest = left
		}
		if right < size && h.less(h.data[right], h.data[smallest]) {
			smallest = right
		}
		if smallest == index {
			break
		}

		h.data[index], h.data[smallest] = h.data[smallest], h.data[index]
		index = smallest
	}
}

func (h *Heap[T]) Size() int {
	return len(h.data)
}
