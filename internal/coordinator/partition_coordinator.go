package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/partition"
)

var tracer = otel.Tracer("github.com/dreamware/batchgrid/internal/coordinator")

// PartitionJob describes one partitioned execution.
type PartitionJob struct {
	// StepName names the parent (master) execution.
	StepName string

	// WorkerStep is the step each partition runs; defaults to StepName.
	WorkerStep string

	Partitioner  partition.Partitioner
	GridSize     int
	PollInterval time.Duration

	// Timeout bounds the whole poll phase; zero waits forever.
	Timeout time.Duration
}

func (j PartitionJob) validate() error {
	switch {
	case j.Partitioner == nil:
		return fmt.Errorf("%w: partitioner is required", fault.ErrConfiguration)
	case j.GridSize <= 0:
		return fmt.Errorf("%w: gridSize must be positive, got %d", fault.ErrConfiguration, j.GridSize)
	case j.PollInterval <= 0:
		return fmt.Errorf("%w: pollInterval must be positive, got %s", fault.ErrConfiguration, j.PollInterval)
	case j.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", fault.ErrConfiguration)
	}
	return nil
}

// PartitionResult is the outcome of a partitioned execution.
type PartitionResult struct {
	ExecutionID  execution.ID
	Status       execution.Status
	FailureCause string
	Err          error
	Children     []execution.Record
	execution.Counts
}

// PartitionCoordinator fans a step out over partitions and waits for the
// workers through the execution repository.
type PartitionCoordinator struct {
	repo   execution.Repository
	sender cluster.Sender[cluster.StepExecutionRequest]
	options
}

// NewPartitionCoordinator wires a coordinator to a repository and a request
// channel.
func NewPartitionCoordinator(repo execution.Repository, sender cluster.Sender[cluster.StepExecutionRequest], opts ...Option) *PartitionCoordinator {
	return &PartitionCoordinator{repo: repo, sender: sender, options: applyOptions(opts)}
}

// Execute runs job to a terminal status:
//
//  1. create the parent record and mark it STARTED
//  2. partition the domain; a configuration error fails the parent
//  3. create one child record per descriptor and send its request
//  4. poll the children every PollInterval until all are terminal
//
// The parent ends COMPLETED when every child completed and FAILED when any
// child failed, stopped or was abandoned. Running past Timeout fails the
// parent with fault.ErrProtocolTimeout. Cancelling ctx marks the parent
// ABANDONED and stops further dispatch; partitions already sent keep running.
func (c *PartitionCoordinator) Execute(ctx context.Context, job PartitionJob) PartitionResult {
	ctx, span := tracer.Start(ctx, "partition.Execute")
	span.SetAttributes(attribute.String("step", job.StepName), attribute.Int("grid_size", job.GridSize))
	defer span.End()

	res := c.execute(ctx, job)

	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status == execution.StatusFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.FailureCause)
	}
	c.metrics.Execution(string(res.Status))
	c.logger.Info("partitioned step finished",
		zap.String("step", job.StepName),
		zap.Int64("execution_id", int64(res.ExecutionID)),
		zap.String("status", string(res.Status)),
		zap.Int64("read", res.ItemsRead),
		zap.Int64("written", res.ItemsWritten),
		zap.String("cause", res.FailureCause),
	)
	return res
}

func (c *PartitionCoordinator) execute(ctx context.Context, job PartitionJob) PartitionResult {
	parentID, err := c.repo.Create(ctx, 0, job.StepName, nil)
	if err != nil {
		err = fmt.Errorf("create parent execution: %w", err)
		return PartitionResult{Status: execution.StatusFailed, Err: err, FailureCause: fault.Cause(err)}
	}
	res := PartitionResult{ExecutionID: parentID}
	log := c.logger.With(zap.String("step", job.StepName), zap.Int64("execution_id", int64(parentID)))

	if err := c.repo.UpdateStatus(ctx, parentID, execution.StatusStarted, ""); err != nil {
		return c.finish(ctx, res, execution.StatusFailed, fmt.Errorf("start parent: %w", err))
	}
	if err := job.validate(); err != nil {
		return c.finish(ctx, res, execution.StatusFailed, err)
	}

	descs, err := job.Partitioner.Partition(ctx, job.GridSize)
	if err != nil {
		return c.finish(ctx, res, execution.StatusFailed, fmt.Errorf("partition: %w", err))
	}

	workerStep := job.WorkerStep
	if workerStep == "" {
		workerStep = job.StepName
	}

	for _, d := range descs {
		if ctx.Err() != nil {
			return c.finish(ctx, res, execution.StatusAbandoned, ctx.Err())
		}
		d := d
		childID, err := c.repo.Create(ctx, parentID, workerStep, &d)
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(ctx, res, execution.StatusAbandoned, ctx.Err())
			}
			return c.finish(ctx, res, execution.StatusFailed, fmt.Errorf("create partition %d: %w", d.Index, err))
		}
		req := cluster.StepExecutionRequest{
			MessageID:   uuid.NewString(),
			ExecutionID: int64(childID),
			ParentID:    int64(parentID),
			StepName:    workerStep,
			Descriptor:  &d,
		}
		// Fire-and-forget: a lost request surfaces as a poll timeout
		if err := c.sender.Send(ctx, req); err != nil {
			log.Warn("dispatch failed", zap.Int64("child_id", int64(childID)), zap.Stringer("partition", d), zap.Error(err))
			continue
		}
		log.Debug("partition dispatched", zap.Int64("child_id", int64(childID)), zap.Stringer("partition", d))
	}

	return c.poll(ctx, res, job, log)
}

func (c *PartitionCoordinator) poll(ctx context.Context, res PartitionResult, job PartitionJob, log *zap.Logger) PartitionResult {
	start := c.clock.Now()
	for {
		kids, err := c.repo.ListChildren(ctx, res.ExecutionID)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("listing partitions failed", zap.Error(err))
		case err == nil:
			res.Children = kids
			if done, status, cause := aggregate(kids); done {
				res.Counts = sumCounts(kids)
				return c.finish(ctx, res, status, cause)
			}
		}

		wait := job.PollInterval
		if job.Timeout > 0 {
			remaining := job.Timeout - c.clock.Since(start)
			if remaining <= 0 {
				return c.finish(ctx, res, execution.StatusFailed,
					fmt.Errorf("%w: partitions still running after %s", fault.ErrProtocolTimeout, job.Timeout))
			}
			wait = min(wait, remaining)
		}

		select {
		case <-ctx.Done():
			return c.finish(ctx, res, execution.StatusAbandoned, ctx.Err())
		case <-c.clock.After(wait):
		}
	}
}

// aggregate reports whether every child is terminal, and if so the parent
// status and the first failing child's cause
func aggregate(kids []execution.Record) (bool, execution.Status, error) {
	var firstFailure error
	for _, k := range kids {
		if !k.Status.Terminal() {
			return false, "", nil
		}
		if k.Status.Unsuccessful() && firstFailure == nil {
			cause := k.FailureCause
			if cause == "" {
				cause = "no cause recorded"
			}
			firstFailure = fmt.Errorf("partition %d (execution %d) %s: %s", k.PartitionIndex, k.ID, k.Status, cause)
		}
	}
	if firstFailure != nil {
		return true, execution.StatusFailed, firstFailure
	}
	return true, execution.StatusCompleted, nil
}

func sumCounts(kids []execution.Record) execution.Counts {
	var total execution.Counts
	for _, k := range kids {
		total = total.Add(k.Counts)
	}
	return total
}

// finish records the terminal status on the parent. After cancellation the
// update still goes through on a context detached from ctx.
func (c *PartitionCoordinator) finish(ctx context.Context, res PartitionResult, status execution.Status, cause error) PartitionResult {
	res.Status = status
	res.Err = cause
	res.FailureCause = fault.Cause(cause)

	uctx := ctx
	if ctx.Err() != nil {
		uctx = context.WithoutCancel(ctx)
	}
	if rep, ok := c.repo.(execution.Reporter); ok && status == execution.StatusCompleted {
		if err := rep.RecordCounts(uctx, res.ExecutionID, res.Counts); err != nil {
			c.logger.Warn("recording parent counts failed", zap.Error(err))
		}
	}
	if err := c.repo.UpdateStatus(uctx, res.ExecutionID, status, res.FailureCause); err != nil {
		c.logger.Error("recording parent status failed",
			zap.Int64("execution_id", int64(res.ExecutionID)),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	return res
}
