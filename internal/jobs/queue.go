package jobs

import (
	"container/heap"
	"context"
	"sync"

	"github.com/citetrace-ai/citetrace/internal/storage"
)

// queueItem is one queued job. seq breaks priority ties FIFO.
type queueItem struct {
	job      *storage.Job
	priority int
	seq      uint64
}

type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the priority queue shared by the job manager (producer) and the
// worker pool (consumers). Higher priority dequeues first; ties are FIFO.
type Queue struct {
	mu     sync.Mutex
	items  priorityHeap
	seq    uint64
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue adds a job.
func (q *Queue) Enqueue(job *storage.Job) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &queueItem{job: job, priority: job.Priority, seq: q.seq})
	q.mu.Unlock()

	q.wake()
}

// Dequeue blocks until a job is available or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (*storage.Job, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// Wake another waiter for the jobs still queued.
				q.wake()
			}
			return item.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
