package commandqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/streamrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue is empty
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer FIFO
type Queue[T any] struct {
	lane string

	mu     sync.Mutex
	items  []T
	closed bool

	// notify holds at most one wakeup; done is closed by Close.
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty queue. lane labels the queue's metrics.
func New[T any](lane string) *Queue[T] {
	observability.EnsureRegistered()

	return &Queue[T]{
		lane:   lane,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends item to the tail of the queue
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	q.wake()
	observability.RecordQueuePush(q.lane, size)
	return nil
}

// Pop removes and returns the head of the queue, waiting until an item is
// available, ctx is done, or the queue is closed and empty
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			// Another waiter may have lost the single wakeup.
			if remaining > 0 {
				q.wake()
			}
			observability.RecordQueuePop(q.lane, remaining)
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items and wakes all waiters. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)

	log.Debug().Str("lane", q.lane).Int("pending", len(q.items)).Msg("Queue closed")
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
