package connector

import (
	"context"
	"sync"
	"time"
)

// Queue is a bounded FIFO shared between producers and the single sender
// loop. Push waits at most the given timeout for room; PushFront never waits
// and is used to put a failed item back ahead of newer ones.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int

	// changed is closed and replaced on every push or pop so waiters can
	// re-check the queue.
	changed chan struct{}
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Push appends item, waiting up to timeout for a free slot. It returns
// ErrQueueFull when the timeout elapses and ctx.Err() when ctx ends first.
func (q *Queue[T]) Push(ctx context.Context, item T, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		q.mu.Lock()
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		if timer == nil {
			return ErrQueueFull
		}

		select {
		case <-wait:
		case <-timer:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PushFront inserts item at the head of the queue without waiting.
// It reports false when the queue is full and the item was not stored.
func (q *Queue[T]) PushFront(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	copy(q.items[1:], q.items)
	q.items[0] = item
	q.notifyLocked()
	return true
}

// Pop removes the head item, waiting up to timeout for one to arrive.
// ok is false when the timeout elapsed with the queue still empty.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (item T, ok bool, err error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = make([]T, 0, q.capacity)
			}
			q.notifyLocked()
			q.mu.Unlock()
			return item, true, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-t.C:
			return item, false, nil
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// Drain discards every queued item and returns how many were dropped.
func (q *Queue[T]) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = make([]T, 0, q.capacity)
	q.notifyLocked()
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
