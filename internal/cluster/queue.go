package cluster

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Send and by Receive on a drained closed queue.
var ErrQueueClosed = errors.New("queue closed")

// MemoryQueue is an unbounded in-process Sender and Receiver.
// Hooks can duplicate or reorder deliveries to exercise protocol handling.
type MemoryQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
	sent   int64

	duplicate func(T) bool
	jump      func(T) bool
}

// QueueOption configures a MemoryQueue.
type QueueOption[T any] func(*MemoryQueue[T])

// WithDuplicate delivers a message twice when fn returns true for it.
func WithDuplicate[T any](fn func(T) bool) QueueOption[T] {
	return func(q *MemoryQueue[T]) { q.duplicate = fn }
}

// WithReorder puts a message at the head of the queue, ahead of earlier
// sends, when fn returns true for it.
func WithReorder[T any](fn func(T) bool) QueueOption[T] {
	return func(q *MemoryQueue[T]) { q.jump = fn }
}

func NewMemoryQueue[T any](opts ...QueueOption[T]) *MemoryQueue[T] {
	q := &MemoryQueue[T]{signal: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue[T]) Send(ctx context.Context, msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	copies := 1
	if q.duplicate != nil && q.duplicate(msg) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if q.jump != nil && q.jump(msg) {
			q.items = append([]T{msg}, q.items...)
		} else {
			q.items = append(q.items, msg)
		}
	}
	q.sent++
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *MemoryQueue[T]) Receive(ctx context.Context) (T, error) {
	for {
		msg, ok, err := q.TryReceive(ctx)
		if err != nil || ok {
			return msg, err
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (q *MemoryQueue[T]) TryReceive(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			q.notify()
			return zero, false, ErrQueueClosed
		}
		return zero, false, nil
	}
	msg := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.notify()
	}
	return msg, true, nil
}

// Close rejects further sends. Receivers drain what is left, then get
// ErrQueueClosed.
func (q *MemoryQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Len returns the number of queued messages.
func (q *MemoryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Sent returns the number of Send calls accepted, duplicates not counted.
func (q *MemoryQueue[T]) Sent() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent
}

func (q *MemoryQueue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
