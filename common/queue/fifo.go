package queue

// Fifo implements a first-in first-out (FIFO) queue.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial size/capacity
// and returns a pointer to it.
func NewFifo[T any](initialSize int) *Fifo[T] {
	if initialSize < 0 {
		initialSize = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialSize),
	}
}

// Enqueue adds the specified element to the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the length of the queue is 0, then Dequeue will return false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
//
// If the length of the queue is 0, then Peek will return false.
func (q *Fifo[T]) Peek() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	return q.elements[0], true
}

// Remove deletes the first element for which match returns true, preserving
// the order of the remaining elements. It returns the removed element, if any.
func (q *Fifo[T]) Remove(match func(T) bool) (T, bool) {
	var zero T
	for i, elem := range q.elements {
		if match(elem) {
			q.elements = append(q.elements[:i], q.elements[i+1:]...)
			return elem, true
		}
	}

	return zero, false
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}
