package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
	"github.com/dreamware/batchgrid/internal/partition"
)

// ErrUnknownStep is returned when a request names a step nobody registered.
var ErrUnknownStep = errors.New("unknown step")

// Step is a runnable unit of work. desc is nil for unpartitioned runs.
// Run always returns a Result with a terminal status.
type Step interface {
	Name() string
	Config() chunk.Config
	Run(ctx context.Context, desc *partition.Descriptor) chunk.Result
}

// StepLocator resolves step names to steps. It is safe for concurrent use.
type StepLocator struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewStepLocator(steps ...Step) (*StepLocator, error) {
	l := &StepLocator{steps: make(map[string]Step)}
	for _, s := range steps {
		if err := l.Register(s); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register adds a step. Names must be unique and non-empty.
func (l *StepLocator) Register(s Step) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("%w: step must have a name", fault.ErrConfiguration)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.steps[s.Name()]; exists {
		return fmt.Errorf("%w: step %q registered twice", fault.ErrConfiguration, s.Name())
	}
	l.steps[s.Name()] = s
	return nil
}

// Locate returns the step registered under name.
func (l *StepLocator) Locate(name string) (Step, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	return s, nil
}

// Names lists the registered step names in order.
func (l *StepLocator) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.steps))
	for name := range l.steps {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ReaderFactory opens a reader for one run, bound to desc when partitioned.
type ReaderFactory[T any] func(ctx context.Context, desc *partition.Descriptor) (item.Reader[T], error)

// WriterFactory opens a writer for one run.
type WriterFactory[T any] func(ctx context.Context, desc *partition.Descriptor) (item.Writer[T], error)

// SharedWriter returns a factory handing out the same writer to every run.
// w must then be safe for concurrent use.
func SharedWriter[T any](w item.Writer[T]) WriterFactory[T] {
	return func(context.Context, *partition.Descriptor) (item.Writer[T], error) {
		return w, nil
	}
}

// PartitionStep runs a chunk engine over the range of one partition. The
// reader factory is what binds the range to the data source.
type PartitionStep[I, O any] struct {
	cfg       chunk.Config
	newReader ReaderFactory[I]
	processor item.Processor[I, O]
	newWriter WriterFactory[O]
	opts      []chunk.Option
}

func NewPartitionStep[I, O any](cfg chunk.Config, r ReaderFactory[I], p item.Processor[I, O], w WriterFactory[O], opts ...chunk.Option) *PartitionStep[I, O] {
	return &PartitionStep[I, O]{cfg: cfg, newReader: r, processor: p, newWriter: w, opts: opts}
}

func (s *PartitionStep[I, O]) Name() string         { return s.cfg.Name }
func (s *PartitionStep[I, O]) Config() chunk.Config { return s.cfg }

func (s *PartitionStep[I, O]) Run(ctx context.Context, desc *partition.Descriptor) chunk.Result {
	if s.newReader == nil || s.newWriter == nil {
		return failed(fmt.Errorf("%w: step %q has no reader or writer", fault.ErrConfiguration, s.cfg.Name))
	}
	r, err := s.newReader(ctx, desc)
	if err != nil {
		return failed(fmt.Errorf("open reader for %s: %w", describe(desc), err))
	}
	w, err := s.newWriter(ctx, desc)
	if err != nil {
		return failed(fmt.Errorf("open writer for %s: %w", describe(desc), err))
	}
	return chunk.NewEngine[I, O](s.cfg, s.opts...).Run(ctx, r, s.processor, w)
}

func failed(err error) chunk.Result {
	return chunk.Result{Status: execution.StatusFailed, Err: err, FailureCause: fault.Cause(err)}
}

func describe(desc *partition.Descriptor) string {
	if desc == nil {
		return "whole domain"
	}
	return desc.String()
}
