package pqueue

import (
	"reflect"
	"sort"
	"testing"
)

func TestPriorityQueue_MinHeapOrder(t *testing.T) {
	pq := NewPriorityQueue[int](func(a, b int) bool { return a < b })

	input := []int{3, 1, 4, 1, 5, 9, 2, 6, 5}
	for _, v := range input {
		pq.Enqueue(v)
	}

	var got []int
	for {
		v, ok := pq.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}

	want := make([]int, len(input))
	copy(want, input)
	sort.Ints(want)

	if !reflect.DeepEqual(got, want) {
		t.Fatalf(
			"min-heap order mismatch:\n got: %v\nwant: %v",
			got,
			want,
		)
	}
}

func TestPriorityQueue_MaxHeapOrder(t *testing.T) {
	pq := NewPriorityQueue[int](func(a, b int) bool { return a > b })

	input := []int{3, 1, 4, 1, 5, 9, 2, 6, 5}
	for _, v := range input {
		pq.Enqueue(v)
	}

	var got []int
	for {
		v, ok := pq.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}

	want := make([]int, len(input))
	copy(want, input)
	sort.Sort(sort.Reverse(sort.IntSlice(want)))

	if !reflect.DeepEqual(got, want) {
		t.Fatalf(
			"max-heap order mismatch:\n got: %v\nwant: %v",
			got,
			want,
		)
	}
}

func TestPriorityQueue_PeekDoesNotRemove(t *testing.T) {
	// Min-heap behavior
	pq := NewPriorityQueue[int](func(a, b int) bool { return a < b })
	input := []int{7, 3, 5, 1}
	for _, v := range input {
		pq.Enqueue(v)
	}

	top, ok := pq.Peek()
	if !ok {
		t.Fatalf("expected peek on non-empty queue to succeed")
	}

	// For min-heap, the smallest should be at the top
	if top != 1 {
		t.Fatalf("unexpected peek value: got %d, want %d", top, 1)
	}

	// Dequeue should return the same top element first
	first, ok := pq.Dequeue()
	if !ok {
		t.Fatalf("expected dequeue to succeed after peek")
	}
	if first != top {
		t.Fatalf(
			"dequeue after peek mismatch: got %d, want %d",
			first,
			top,
		)
	}
}

func TestPriorityQueue_EmptyBehavior(t *testing.T) {
	pq := NewPriorityQueue[int](func(a, b int) bool { return a < b })

	if _, ok := pq.Peek(); !ok {
		// ok to be false on empty, ensure it is false
	} else {
		t.Fatalf("peek on empty queue should fail")
	}

	if _, ok := pq.Dequeue(); !ok {
		// ok to be false on empty, ensure it is false
	} else {
		t.Fatalf("dequeue on empty queue should fail")
	}
}

func TestPriorityQueue_UnboundedNeverFull(t *testing.T) {
	pq := NewPriorityQueue[int](func(a, b int) bool { return a < b })
	for i := range 1000 {
		if !pq.Enqueue(i) {
			t.Fatalf("unbounded queue rejected Enqueue at size %d", i)
		}
	}
	if pq.Full() {
		t.Fatalf("unbounded queue reported Full")
	}
}

func TestBoundedPriorityQueue_RejectsPastCapacity(t *testing.T) {
	pq := NewBoundedPriorityQueue[int](func(a, b int) bool { return a < b }, 3)

	for i := range 3 {
		if !pq.Enqueue(i) {
			t.Fatalf("Enqueue %d should have been accepted under capacity", i)
		}
	}
	if !pq.Full() {
		t.Fatalf("expected queue to report Full once at capacity")
	}
	if pq.Enqueue(99) {
		t.Fatalf("Enqueue past capacity should have been rejected")
	}
	if pq.Len() != 3 {
		t.Fatalf("rejected Enqueue should not have grown the queue, got len %d", pq.Len())
	}

	// Dequeuing frees up room for one more.
	if _, ok := pq.Dequeue(); !ok {
		t.Fatalf("expected Dequeue to succeed")
	}
	if !pq.Enqueue(99) {
		t.Fatalf("Enqueue should succeed again once below capacity")
	}
}
