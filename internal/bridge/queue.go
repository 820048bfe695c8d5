package bridge

import (
	"sync"

	"github.com/meszmate/jabber-mcp/internal/convert"
)

// queue is a bounded FIFO with tiered back-pressure:
//
//	< 70% full:  accept everything
//	70–90%:      reject low priority
//	90–100%:     accept only high priority
//	full:        reject everything
//
// Queues created with evictLow additionally drop their oldest
// low-priority item when an offer arrives at capacity, so a burst of
// low-value traffic cannot wedge the queue shut.
type queue[T any] struct {
	mu       sync.Mutex
	items    []queueItem[T]
	capacity int
	evictLow bool
	wake     chan struct{}
}

type queueItem[T any] struct {
	value T
	pri   convert.Priority
}

func newQueue[T any](capacity int, evictLow bool) *queue[T] {
	return &queue[T]{
		capacity: capacity,
		evictLow: evictLow,
		wake:     make(chan struct{}, 1),
	}
}

// Offer appends v unless back-pressure rejects it.
func (q *queue[T]) Offer(v T, pri convert.Priority) error {
	q.mu.Lock()
	n := len(q.items)

	if n >= q.capacity {
		if q.evictLow {
			q.dropOldestLow()
		}
		q.mu.Unlock()
		return ErrOverloaded
	}

	util := n * 100 / q.capacity
	if (util >= 90 && pri != convert.PriorityHigh) ||
		(util >= 70 && pri == convert.PriorityLow) {
		q.mu.Unlock()
		return ErrOverloaded
	}

	q.items = append(q.items, queueItem[T]{value: v, pri: pri})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestLow removes the first low-priority item, if any. Caller
// holds the lock.
func (q *queue[T]) dropOldestLow() {
	for i, it := range q.items {
		if it.pri == convert.PriorityLow {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// TryPop removes and returns the head of the queue.
func (q *queue[T]) TryPop() (T, convert.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, 0, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head.value, head.pri, true
}

// Wake returns a channel that receives after items are offered.
func (q *queue[T]) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the current queue depth.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns what was in it, in order.
func (q *queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.value)
	}
	q.items = nil
	return out
}
