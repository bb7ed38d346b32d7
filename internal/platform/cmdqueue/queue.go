// Package cmdqueue provides an unbounded FIFO with a blocking, cancellable Pop.
package cmdqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var ErrClosed = errors.New("queue closed")

// Queue is safe for any number of producers. Pop is intended for a single consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items.Add(item)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop blocks until an item is available. After Close, remaining items are still
// returned; ErrClosed is reported once the queue is drained.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			item := q.items.Remove().(T)
			more := q.items.Length() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
