package chunk

import (
	"fmt"

	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
)

// Chunk is one batch of items under a run-local sequence number.
// Sequences start at 1 and grow by one per chunk.
type Chunk[T any] struct {
	Sequence int64
	Items    []T
}

// Config is the static setup of one step.
type Config struct {
	Name      string
	ChunkSize int
	Policy    fault.Policy

	// AllowRestartFromCompleted lets a launcher run the step again after a
	// COMPLETED execution with the same key.
	AllowRestartFromCompleted bool
}

// Validate checks the chunk size and the fault policy.
func (c Config) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunkSize must be >= 1, got %d", fault.ErrConfiguration, c.ChunkSize)
	}
	return c.Policy.Validate()
}

// Result is the outcome of a run. For COMPLETED runs
// ItemsRead == ItemsWritten + ItemsSkipped + ItemsFiltered.
type Result struct {
	ItemsRead     int64
	ItemsWritten  int64
	ItemsSkipped  int64
	ItemsFiltered int64
	Chunks        int64
	Status        execution.Status
	FailureCause  string
	Err           error
}

// Counts converts the counters for the execution repository.
func (r Result) Counts() execution.Counts {
	return execution.Counts{
		ItemsRead:     r.ItemsRead,
		ItemsWritten:  r.ItemsWritten,
		ItemsSkipped:  r.ItemsSkipped,
		ItemsFiltered: r.ItemsFiltered,
	}
}

// Conserved reports whether every read item is accounted for.
func (r Result) Conserved() bool {
	return r.ItemsRead == r.ItemsWritten+r.ItemsSkipped+r.ItemsFiltered
}

// ChunkReport is passed to observers at every chunk boundary.
type ChunkReport struct {
	Step     string
	Sequence int64
	Read     int
	Written  int
	Skipped  int
	Filtered int
}

// Observer receives engine events. Observers cannot influence control flow.
// OnSkip gets a nil item for read failures, where no item exists.
type Observer interface {
	OnSkip(item any, err error)
	OnRetry(unit string, attempt int, err error)
	OnChunk(report ChunkReport)
	OnComplete(result Result)
}

// ObserverFuncs implements Observer with optional callbacks.
type ObserverFuncs struct {
	Skip     func(item any, err error)
	Retry    func(unit string, attempt int, err error)
	Chunk    func(report ChunkReport)
	Complete func(result Result)
}

func (o ObserverFuncs) OnSkip(item any, err error) {
	if o.Skip != nil {
		o.Skip(item, err)
	}
}

func (o ObserverFuncs) OnRetry(unit string, attempt int, err error) {
	if o.Retry != nil {
		o.Retry(unit, attempt, err)
	}
}

func (o ObserverFuncs) OnChunk(report ChunkReport) {
	if o.Chunk != nil {
		o.Chunk(report)
	}
}

func (o ObserverFuncs) OnComplete(result Result) {
	if o.Complete != nil {
		o.Complete(result)
	}
}

// Retry units passed to OnRetry
const (
	UnitRead    = "read"
	UnitProcess = "process"
	UnitWrite   = "write"
)
