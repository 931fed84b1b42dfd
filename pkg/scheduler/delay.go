package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/civion/civion/pkg/engine"
)

// delayQueue holds retry dispatches until their backoff elapses. It is a
// min-heap ordered by due time; the pool's pump goroutine pops due entries
// and a push wakes the pump so a nearer deadline shortens its wait.
type delayQueue struct {
	mu    sync.Mutex
	items delayHeap
	wake  chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wake: make(chan struct{}, 1)}
}

func (q *delayQueue) push(dispatch engine.Dispatch, due time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, &delayedDispatch{dispatch: dispatch, due: due})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// untilNext returns the wait until the earliest entry is due. An empty queue
// parks the pump for an hour; the next push wakes it earlier.
func (q *delayQueue) untilNext(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return time.Hour
	}

	wait := q.items[0].due.Sub(now)
	if wait < 0 {
		return 0
	}

	return wait
}

func (q *delayQueue) popDue(now time.Time) []engine.Dispatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]engine.Dispatch, 0)

	for len(q.items) > 0 && !q.items[0].due.After(now) {
		item, _ := heap.Pop(&q.items).(*delayedDispatch)
		due = append(due, item.dispatch)
	}

	return due
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

type delayedDispatch struct {
	dispatch engine.Dispatch
	due      time.Time
}

type delayHeap []*delayedDispatch

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) {
	item, _ := x.(*delayedDispatch)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}
