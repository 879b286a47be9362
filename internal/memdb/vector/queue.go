package vector

import "container/heap"

// compile time check
var _ heap.Interface = (*priorityQueue)(nil)

type queueItem struct {
	id   uint32
	dist float32
}

// priorityQueue is a min- or max-heap of candidates depending on maxHeap.
type priorityQueue struct {
	items   []queueItem
	maxHeap bool
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if pq.maxHeap {
		return pq.items[i].dist > pq.items[j].dist
	}
	return pq.items[i].dist < pq.items[j].dist
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(queueItem)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	it := old[n-1]
	pq.items = old[:n-1]
	return it
}

func (pq *priorityQueue) top() queueItem { return pq.items[0] }
