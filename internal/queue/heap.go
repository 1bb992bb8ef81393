package queue

import (
	"container/heap"

	"github.com/snehjoshi/courier/internal/types"
)

// item is one entry held by the queue, either in the ready heap or leased.
type item struct {
	entry types.QueueEntry

	// heapIdx is the item's position in the ready heap, -1 while leased.
	// Maintained by readyHeap.Swap so Lease and Remove are O(log N).
	heapIdx int
}

// readyHeap is a min-heap of queued items keyed by (priority rank, sequence).
// The root is always the next entry to dispatch.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	return h[i].entry.Before(&h[j].entry)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

func (h *readyHeap) push(it *item) { heap.Push(h, it) }

func (h *readyHeap) remove(it *item) {
	if it.heapIdx >= 0 && it.heapIdx < len(*h) && (*h)[it.heapIdx] == it {
		heap.Remove(h, it.heapIdx)
	}
}

func (h readyHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// oldest returns the ready item with the earliest EnqueuedAt, ties broken by
// sequence. Only rank filters when rank >= 0.
//
// Linear in the number of ready items; it runs only when the queue is full.
func (h readyHeap) oldest(rank int) *item {
	var best *item
	for _, it := range h {
		if rank >= 0 && it.entry.Spec.Priority.Rank() != rank {
			continue
		}
		if best == nil || olderThan(&it.entry, &best.entry) {
			best = it
		}
	}
	return best
}

// lowestRank returns the largest priority rank present, or -1 when empty.
func (h readyHeap) lowestRank() int {
	r := -1
	for _, it := range h {
		if rr := it.entry.Spec.Priority.Rank(); rr > r {
			r = rr
		}
	}
	return r
}

func olderThan(a, b *types.QueueEntry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Sequence < b.Sequence
}
