package queue

import "container/heap"

// Item is one queued entry. Seq is assigned on Push and breaks priority ties.
type Item struct {
	ID       string
	Priority int
	Seq      uint64
}

// PriorityQueue orders items by priority descending, then by insertion order.
// It is not safe for concurrent use; the scheduler guards it with its own lock.
type PriorityQueue struct {
	items itemHeap
	seq   uint64
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push enqueues id with the given priority.
func (q *PriorityQueue) Push(id string, priority int) {
	q.seq++
	heap.Push(&q.items, Item{ID: id, Priority: priority, Seq: q.seq})
}

// Pop removes and returns the highest-priority item.
func (q *PriorityQueue) Pop() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

// Peek returns the next item without removing it.
func (q *PriorityQueue) Peek() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Len reports the number of queued items, including ones whose jobs were cancelled.
func (q *PriorityQueue) Len() int {
	return len(q.items)
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
