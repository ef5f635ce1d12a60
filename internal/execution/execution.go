package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/batchgrid/internal/partition"
)

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidStatus is returned for a status outside the known lifecycle.
	ErrInvalidStatus = errors.New("invalid execution status")
)

// ID identifies an execution record. IDs start at 1; zero means "none".
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid execution id %q", s)
	}
	return ID(n), nil
}

// Status is a point in the execution lifecycle
//
//	STARTING -> STARTED -> COMPLETED | FAILED | STOPPED | ABANDONED
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
	StatusAbandoned Status = "ABANDONED"
)

// Valid reports whether s is one of the lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusStarted, StatusCompleted, StatusFailed, StatusStopped, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s.Rank() == 2 }

// Running reports whether s is STARTING or STARTED.
func (s Status) Running() bool { return s == StatusStarting || s == StatusStarted }

// Unsuccessful reports whether s is a terminal status other than COMPLETED.
func (s Status) Unsuccessful() bool { return s.Terminal() && s != StatusCompleted }

// Rank orders statuses for monotonic updates: 0 STARTING, 1 STARTED, 2 any
// terminal status. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusStarted:
		return 1
	case StatusCompleted, StatusFailed, StatusStopped, StatusAbandoned:
		return 2
	}
	return -1
}

// Record is the persisted state of one step execution.
// Counters are written by the executing side together with its terminal status.
type Record struct {
	ID             ID         `json:"id"`
	ParentID       ID         `json:"parent_id,omitempty"`
	StepName       string     `json:"step_name"`
	Key            string     `json:"key,omitempty"`
	Status         Status     `json:"status"`
	Partitioned    bool       `json:"partitioned,omitempty"`
	PartitionIndex int        `json:"partition_index"`
	RangeMin       int64      `json:"range_min"`
	RangeMax       int64      `json:"range_max"`
	CreateTime     time.Time  `json:"create_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	FailureCause   string     `json:"failure_cause,omitempty"`
	Counts
}

// Descriptor returns the partition the record is bound to, if any.
func (r Record) Descriptor() (partition.Descriptor, bool) {
	if !r.Partitioned {
		return partition.Descriptor{}, false
	}
	return partition.Descriptor{Index: r.PartitionIndex, Min: r.RangeMin, Max: r.RangeMax}, true
}

// Counts are the item counters of a finished execution.
type Counts struct {
	ItemsRead     int64 `json:"items_read"`
	ItemsWritten  int64 `json:"items_written"`
	ItemsSkipped  int64 `json:"items_skipped"`
	ItemsFiltered int64 `json:"items_filtered"`
}

// Add returns the element-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		ItemsRead:     c.ItemsRead + o.ItemsRead,
		ItemsWritten:  c.ItemsWritten + o.ItemsWritten,
		ItemsSkipped:  c.ItemsSkipped + o.ItemsSkipped,
		ItemsFiltered: c.ItemsFiltered + o.ItemsFiltered,
	}
}

// Repository stores execution records. It is the only state shared between
// the coordinator and its workers, so implementations must be safe for
// concurrent use and must make updates idempotent and monotonic: an update
// to an equal or lower status rank, or any update to a terminal record, is
// accepted and ignored.
type Repository interface {
	// Create stores a new STARTING record and returns its ID.
	// parentID is zero for root executions; desc is nil when unpartitioned.
	Create(ctx context.Context, parentID ID, stepName string, desc *partition.Descriptor) (ID, error)

	// UpdateStatus moves a record forward. cause is kept for FAILED.
	UpdateStatus(ctx context.Context, id ID, status Status, cause string) error

	// Get returns the record or ErrNotFound
	Get(ctx context.Context, id ID) (Record, error)

	// ListChildren returns the children of parentID ordered by partition index
	ListChildren(ctx context.Context, parentID ID) ([]Record, error)
}

// Reporter is implemented by repositories that persist item counters.
type Reporter interface {
	RecordCounts(ctx context.Context, id ID, counts Counts) error
}

// Finder is implemented by repositories that can look up executions by their
// identifying key (the job parameters of a launch).
type Finder interface {
	// FindLatest returns the newest root record with stepName and key,
	// or ErrNotFound
	FindLatest(ctx context.Context, stepName, key string) (Record, error)

	// CreateKeyed creates a root STARTING record carrying key
	CreateKeyed(ctx context.Context, stepName, key string) (ID, error)
}

// defaultCause fills the cause of a FAILED record that arrived without one
const defaultCause = "failed without a recorded cause"

// transition applies the monotonic update rule to rec in place and reports
// whether anything changed.
func transition(rec *Record, status Status, cause string, now time.Time) bool {
	if rec.Status.Terminal() || status.Rank() <= rec.Status.Rank() {
		return false
	}
	rec.Status = status
	if status == StatusStarted && rec.StartTime == nil {
		rec.StartTime = &now
	}
	if status.Terminal() {
		if rec.StartTime == nil {
			rec.StartTime = &now
		}
		rec.EndTime = &now
		rec.FailureCause = NormalizeCause(status, cause)
	}
	return true
}

// NormalizeCause returns the cause to persist for a status.
func NormalizeCause(status Status, cause string) string {
	if status == StatusFailed && cause == "" {
		return defaultCause
	}
	if !status.Terminal() {
		return ""
	}
	return cause
}
