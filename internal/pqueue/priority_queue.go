// Package pqueue implements a bounded priority queue over container/heap.
package pqueue

import "container/heap"

// PriorityQueue is a min-heap with an optional capacity: once it holds
// capacity items, further Enqueue calls are rejected rather than growing
// the heap without limit. A Kademlia lookup's shortlist is exactly the
// motivating case — a hostile or merely large cluster can hand back far
// more "nodes" than K ever asked for, and the queue itself should be the
// thing that says no, rather than every caller re-implementing the same
// length check before it enqueues.
type PriorityQueue[T any] struct {
	items    []*Item[T]
	lessFunc func(a, b T) bool
	capacity int // <= 0 means unbounded
}

type Item[T any] struct {
	Value T
	Index int
}

// NewPriorityQueue returns an unbounded priority queue.
func NewPriorityQueue[T any](lessFunc func(a, b T) bool) *PriorityQueue[T] {
	return NewBoundedPriorityQueue(lessFunc, 0)
}

// NewBoundedPriorityQueue returns a priority queue that refuses Enqueue
// once it holds capacity items. capacity <= 0 means unbounded.
func NewBoundedPriorityQueue[T any](lessFunc func(a, b T) bool, capacity int) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		items:    make([]*Item[T], 0),
		lessFunc: lessFunc,
		capacity: capacity,
	}
	heap.Init(pq)

	return pq
}

func (pq PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	return pq.lessFunc(pq.items[i].Value, pq.items[j].Value)
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[j].Index = i
	pq.items[i].Index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	n := len(pq.items)
	item := x.(*Item[T])
	item.Index = n
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	pq.items = old[0 : n-1]
	return item
}

// Full reports whether the queue is at its configured capacity. Always
// false for an unbounded queue.
func (pq *PriorityQueue[T]) Full() bool {
	return pq.capacity > 0 && len(pq.items) >= pq.capacity
}

// Enqueue pushes value onto the queue and reports whether it was
// accepted. It's a no-op returning false once the queue is Full.
func (pq *PriorityQueue[T]) Enqueue(value T) bool {
	if pq.Full() {
		return false
	}
	heap.Push(pq, &Item[T]{Value: value})
	return true
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	item := heap.Pop(pq).(*Item[T])
	return item.Value, true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	return pq.items[0].Value, true
}
