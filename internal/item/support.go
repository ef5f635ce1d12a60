package item

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SliceReader reads items from an in-memory slice, in order.
type SliceReader[T any] struct {
	mu    sync.Mutex
	items []T
	pos   int
}

// NewSliceReader copies items so later changes to the caller's slice are not
// observed by the reader.
func NewSliceReader[T any](items []T) *SliceReader[T] {
	cp := make([]T, len(items))
	copy(cp, items)
	return &SliceReader[T]{items: cp}
}

func (r *SliceReader[T]) Read(_ context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.pos >= len(r.items) {
		return zero, ErrEndOfSequence
	}
	v := r.items[r.pos]
	r.pos++
	return v, nil
}

// Position returns how many items have been handed out so far.
func (r *SliceReader[T]) Position() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// LogWriter writes each chunk to a logger, one entry per item.
type LogWriter[T any] struct {
	Logger *zap.Logger
}

func (w LogWriter[T]) Write(_ context.Context, items []T) error {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("writing chunk", zap.Int("size", len(items)))
	for _, it := range items {
		logger.Info("item", zap.Any("value", it))
	}
	return nil
}

// CollectingWriter keeps every written item in memory. Useful for tests and
// for small local runs whose output is inspected afterwards.
type CollectingWriter[T any] struct {
	mu      sync.Mutex
	items   []T
	batches int
}

func (w *CollectingWriter[T]) Write(_ context.Context, items []T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, items...)
	w.batches++
	return nil
}

// Items returns a copy of everything written so far.
func (w *CollectingWriter[T]) Items() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]T, len(w.items))
	copy(out, w.items)
	return out
}

// Batches returns the number of Write calls received.
func (w *CollectingWriter[T]) Batches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batches
}
