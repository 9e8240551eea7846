package transactions

import (
	"container/heap"
	"time"
)

// cleanupHeap orders requests by ReadyTime and keeps each request's index
// current so that a queued request can be fixed up or removed in place.
type cleanupHeap []*CleanupRequest

func (h cleanupHeap) Len() int { return len(h) }

func (h cleanupHeap) Less(i, j int) bool {
	return h[i].ReadyTime.Before(h[j].ReadyTime)
}

func (h cleanupHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cleanupHeap) Push(x interface{}) {
	req := x.(*CleanupRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *cleanupHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}

// cleanupQueue is a min-heap of cleanup requests keyed by ReadyTime.  It is
// not safe for concurrent use.
type cleanupQueue struct {
	items cleanupHeap
}

func newCleanupQueue() *cleanupQueue {
	return &cleanupQueue{}
}

func (q *cleanupQueue) Len() int {
	return q.items.Len()
}

func (q *cleanupQueue) Push(req *CleanupRequest) {
	heap.Push(&q.items, req)
}

// Peek returns the request due soonest without removing it.
func (q *cleanupQueue) Peek() *CleanupRequest {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes the request due soonest regardless of its ReadyTime.
func (q *cleanupQueue) Pop() *CleanupRequest {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*CleanupRequest)
}

// PopReady removes the request due soonest if it is due at now.
func (q *cleanupQueue) PopReady(now time.Time) *CleanupRequest {
	next := q.Peek()
	if next == nil || next.ReadyTime.After(now) {
		return nil
	}
	return heap.Pop(&q.items).(*CleanupRequest)
}

// Remove takes req out of the queue.  Returns false when req is not queued.
func (q *cleanupQueue) Remove(req *CleanupRequest) bool {
	if !q.contains(req) {
		return false
	}
	heap.Remove(&q.items, req.index)
	return true
}

// Update moves req to its new position after its ReadyTime changes.
func (q *cleanupQueue) Update(req *CleanupRequest, readyTime time.Time) bool {
	if !q.contains(req) {
		return false
	}
	req.ReadyTime = readyTime
	heap.Fix(&q.items, req.index)
	return true
}

func (q *cleanupQueue) contains(req *CleanupRequest) bool {
	return req.index >= 0 && req.index < len(q.items) && q.items[req.index] == req
}
