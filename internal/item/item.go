// Package item defines the reader → processor → writer contract that a chunk
// executes. Any type with the right method set fills a role; there is no base
// type to embed.
package item

import (
	"context"
	"errors"
)

// ErrEndOfSequence is returned by a Reader when the source is exhausted.
// It is distinct from every valid item, including zero values.
var ErrEndOfSequence = errors.New("end of sequence")

// ErrFiltered is returned by a Processor to drop an item without failing.
// A filtered item counts as consumed but is never written.
var ErrFiltered = errors.New("item filtered")

// Reader yields items one at a time in source order.
type Reader[T any] interface {
	Read(ctx context.Context) (T, error)
}

// Processor transforms a single item. Returning ErrFiltered drops it.
type Processor[I, O any] interface {
	Process(ctx context.Context, in I) (O, error)
}

// Writer receives the surviving items of one chunk as a single batch.
// Implementations own atomicity: a returned error means nothing was kept.
type Writer[T any] interface {
	Write(ctx context.Context, items []T) error
}

// Opener is implemented by readers and writers that hold resources for the
// duration of a run (cursors, files, connections).
type Opener interface {
	Open(ctx context.Context) error
}

// Closer releases what Open acquired. It is called whatever the outcome.
type Closer interface {
	Close() error
}

// Flusher is implemented by writers that buffer or dispatch asynchronously.
// Flush is called once after the last chunk and must block until every
// pending batch is settled.
type Flusher interface {
	Flush(ctx context.Context) error
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc[T any] func(ctx context.Context) (T, error)

func (f ReaderFunc[T]) Read(ctx context.Context) (T, error) { return f(ctx) }

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[I, O any] func(ctx context.Context, in I) (O, error)

func (f ProcessorFunc[I, O]) Process(ctx context.Context, in I) (O, error) { return f(ctx, in) }

// WriterFunc adapts a function to the Writer interface.
type WriterFunc[T any] func(ctx context.Context, items []T) error

func (f WriterFunc[T]) Write(ctx context.Context, items []T) error { return f(ctx, items) }

// PassThrough returns a processor that forwards every item unchanged.
func PassThrough[T any]() Processor[T, T] {
	return ProcessorFunc[T, T](func(_ context.Context, in T) (T, error) {
		return in, nil
	})
}
