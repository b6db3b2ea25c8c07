package scheduler

import (
	"container/heap"
	"time"

	"github.com/flasharr/flasharr/internal/taskstore"
)

// item is one entry in the admission heap.
type item struct {
	taskID    string
	priority  taskstore.Priority
	createdAt time.Time
	index     int // heap.Interface bookkeeping
}

// priorityHeap orders items by priority descending, then by creation
// time ascending (FIFO within a priority tier).
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*priorityHeap)(nil)
