package cluster

import (
	"context"

	"github.com/dreamware/batchgrid/internal/partition"
)

// Reply statuses carried by StepExecutionReply and ChunkReply
const (
	ReplyCompleted = "COMPLETED"
	ReplyFailed    = "FAILED"
	ReplyStopped   = "STOPPED"
)

// StepExecutionRequest asks a worker to run one partition of a step.
// ExecutionID names a record the coordinator already created.
type StepExecutionRequest struct {
	MessageID   string                `json:"message_id" msgpack:"message_id"`
	ExecutionID int64                 `json:"execution_id" msgpack:"execution_id"`
	ParentID    int64                 `json:"parent_id" msgpack:"parent_id"`
	StepName    string                `json:"step_name" msgpack:"step_name"`
	Descriptor  *partition.Descriptor `json:"descriptor,omitempty" msgpack:"descriptor,omitempty"`
}

// StepExecutionReply is the optional answer to a StepExecutionRequest.
// The repository stays authoritative; the reply is informational.
type StepExecutionReply struct {
	MessageID     string `json:"message_id" msgpack:"message_id"`
	ExecutionID   int64  `json:"execution_id" msgpack:"execution_id"`
	Status        string `json:"status" msgpack:"status"`
	Cause         string `json:"cause,omitempty" msgpack:"cause,omitempty"`
	ItemsRead     int64  `json:"items_read" msgpack:"items_read"`
	ItemsWritten  int64  `json:"items_written" msgpack:"items_written"`
	ItemsSkipped  int64  `json:"items_skipped" msgpack:"items_skipped"`
	ItemsFiltered int64  `json:"items_filtered" msgpack:"items_filtered"`
}

// ChunkRequest carries one encoded chunk to a remote chunk worker.
type ChunkRequest struct {
	JobID    string   `json:"job_id" msgpack:"job_id"`
	Sequence int64    `json:"sequence" msgpack:"sequence"`
	Items    [][]byte `json:"items" msgpack:"items"`
}

// ChunkReply reports the outcome of one ChunkRequest. Workers always reply,
// success or failure.
type ChunkReply struct {
	JobID    string `json:"job_id" msgpack:"job_id"`
	Sequence int64  `json:"sequence" msgpack:"sequence"`
	Status   string `json:"status" msgpack:"status"`
	Written  int64  `json:"written" msgpack:"written"`
	Skipped  int64  `json:"skipped" msgpack:"skipped"`
	Filtered int64  `json:"filtered" msgpack:"filtered"`
	Cause    string `json:"cause,omitempty" msgpack:"cause,omitempty"`
}

// Sender delivers messages of type T. Delivery is at least once at best;
// callers must tolerate duplicates and reordering on the receiving side.
type Sender[T any] interface {
	Send(ctx context.Context, msg T) error
}

// Receiver consumes messages of type T.
type Receiver[T any] interface {
	// Receive blocks until a message is available or ctx is done
	Receive(ctx context.Context) (T, error)

	// TryReceive returns a message only if one is ready right now
	TryReceive(ctx context.Context) (T, bool, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc[T any] func(ctx context.Context, msg T) error

func (f SenderFunc[T]) Send(ctx context.Context, msg T) error { return f(ctx, msg) }
