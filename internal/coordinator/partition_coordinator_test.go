package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/partition"
)

// inlineWorker runs each partition synchronously inside Send. outcome picks
// the terminal status and cause per partition index.
func inlineWorker(repo *execution.MemoryRepository, outcome func(idx int) (execution.Status, string)) cluster.SenderFunc[cluster.StepExecutionRequest] {
	return func(ctx context.Context, req cluster.StepExecutionRequest) error {
		id := execution.ID(req.ExecutionID)
		if err := repo.UpdateStatus(ctx, id, execution.StatusStarted, ""); err != nil {
			return err
		}
		n := req.Descriptor.Size()
		status, cause := execution.StatusCompleted, ""
		if outcome != nil {
			status, cause = outcome(req.Descriptor.Index)
		}
		if status == execution.StatusCompleted {
			if err := repo.RecordCounts(ctx, id, execution.Counts{ItemsRead: n, ItemsWritten: n}); err != nil {
				return err
			}
		}
		return repo.UpdateStatus(ctx, id, status, cause)
	}
}

func customerJob(grid int) PartitionJob {
	return PartitionJob{
		StepName:     "copyCustomers",
		WorkerStep:   "slaveStep",
		Partitioner:  partition.ColumnRangePartitioner{Bounds: partition.StaticBounds{Min: 1, Max: 100}},
		GridSize:     grid,
		PollInterval: time.Second,
	}
}

func TestPartitionCoordinatorAllComplete(t *testing.T) {
	repo := execution.NewMemoryRepository()
	c := NewPartitionCoordinator(repo, inlineWorker(repo, nil))

	res := c.Execute(context.Background(), customerJob(4))

	require.Equal(t, execution.StatusCompleted, res.Status, res.FailureCause)
	assert.NoError(t, res.Err)
	assert.EqualValues(t, 100, res.ItemsRead)
	assert.EqualValues(t, 100, res.ItemsWritten)
	require.Len(t, res.Children, 4)

	want := []partition.Descriptor{
		{Index: 0, Min: 1, Max: 26},
		{Index: 1, Min: 26, Max: 51},
		{Index: 2, Min: 51, Max: 76},
		{Index: 3, Min: 76, Max: 101},
	}
	for i, child := range res.Children {
		d, ok := child.Descriptor()
		require.True(t, ok)
		assert.Equal(t, want[i], d)
		assert.Equal(t, "slaveStep", child.StepName)
		assert.Equal(t, res.ExecutionID, child.ParentID)
		assert.Equal(t, execution.StatusCompleted, child.Status)
	}

	parent, err := repo.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, parent.Status)
	assert.Equal(t, "copyCustomers", parent.StepName)
	assert.EqualValues(t, 100, parent.ItemsWritten)
	assert.NotNil(t, parent.EndTime)
}

func TestPartitionCoordinatorOneFails(t *testing.T) {
	repo := execution.NewMemoryRepository()
	worker := inlineWorker(repo, func(idx int) (execution.Status, string) {
		if idx == 2 {
			return execution.StatusFailed, "duplicate key"
		}
		return execution.StatusCompleted, ""
	})
	c := NewPartitionCoordinator(repo, worker)

	res := c.Execute(context.Background(), customerJob(4))

	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Contains(t, res.FailureCause, "duplicate key")
	assert.Contains(t, res.FailureCause, "partition 2")

	parent, err := repo.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, parent.Status)
	assert.Equal(t, res.FailureCause, parent.FailureCause)
}

func TestPartitionCoordinatorStoppedChildFailsParent(t *testing.T) {
	repo := execution.NewMemoryRepository()
	worker := inlineWorker(repo, func(idx int) (execution.Status, string) {
		if idx == 0 {
			return execution.StatusStopped, ""
		}
		return execution.StatusCompleted, ""
	})
	res := NewPartitionCoordinator(repo, worker).Execute(context.Background(), customerJob(2))

	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Contains(t, res.FailureCause, "STOPPED")
	assert.Contains(t, res.FailureCause, "no cause recorded")
}

func TestPartitionCoordinatorPollsUntilDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := execution.NewMemoryRepository()
	var sent []cluster.StepExecutionRequest
	sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(_ context.Context, req cluster.StepExecutionRequest) error {
		sent = append(sent, req)
		return nil
	})
	c := NewPartitionCoordinator(repo, sender, WithClock(clock))

	resCh := make(chan PartitionResult, 1)
	go func() { resCh <- c.Execute(context.Background(), customerJob(3)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Len(t, sent, 3)

	// Replay as a late worker, including a duplicate delivery
	worker := inlineWorker(repo, nil)
	for _, req := range append(sent, sent[0]) {
		require.NoError(t, worker(ctx, req))
	}
	clock.Advance(time.Second)

	res := <-resCh
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.EqualValues(t, 100, res.ItemsWritten)

	ids := make(map[string]bool)
	for _, req := range sent {
		assert.NotEmpty(t, req.MessageID)
		assert.False(t, ids[req.MessageID], "message IDs are unique")
		ids[req.MessageID] = true
		assert.Equal(t, int64(res.ExecutionID), req.ParentID)
	}
}

func TestPartitionCoordinatorTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := execution.NewMemoryRepository()
	sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(context.Context, cluster.StepExecutionRequest) error {
		return nil
	})
	c := NewPartitionCoordinator(repo, sender, WithClock(clock))

	job := customerJob(2)
	job.Timeout = 3 * time.Second
	resCh := make(chan PartitionResult, 1)
	go func() { resCh <- c.Execute(context.Background(), job) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	res := <-resCh
	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, fault.ErrProtocolTimeout))

	// Children stay as they were; nothing is cancelled remotely
	for _, child := range res.Children {
		assert.Equal(t, execution.StatusStarting, child.Status)
	}
}

func TestPartitionCoordinatorTimeoutShorterThanPollInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := execution.NewMemoryRepository()
	sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(context.Context, cluster.StepExecutionRequest) error {
		return nil
	})
	c := NewPartitionCoordinator(repo, sender, WithClock(clock))

	job := customerJob(2)
	job.PollInterval = 5 * time.Second
	job.Timeout = time.Second
	resCh := make(chan PartitionResult, 1)
	go func() { resCh <- c.Execute(context.Background(), job) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	select {
	case res := <-resCh:
		assert.Equal(t, execution.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, fault.ErrProtocolTimeout)
	case <-ctx.Done():
		t.Fatal("timeout waited for the full poll interval")
	}
}

func TestPartitionCoordinatorCancelAbandons(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := execution.NewMemoryRepository()
	sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(context.Context, cluster.StepExecutionRequest) error {
		return nil
	})
	c := NewPartitionCoordinator(repo, sender, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan PartitionResult, 1)
	go func() { resCh <- c.Execute(ctx, customerJob(2)) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	res := <-resCh
	assert.Equal(t, execution.StatusAbandoned, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)

	parent, err := repo.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAbandoned, parent.Status)
}

func TestPartitionCoordinatorSendErrorsKeepDispatching(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := execution.NewMemoryRepository()
	calls := atomic.NewInt32(0)
	sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(context.Context, cluster.StepExecutionRequest) error {
		calls.Inc()
		return errors.New("connection refused")
	})
	c := NewPartitionCoordinator(repo, sender, WithClock(clock))

	job := customerJob(3)
	job.Timeout = time.Second
	resCh := make(chan PartitionResult, 1)
	go func() { resCh <- c.Execute(context.Background(), job) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	res := <-resCh
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, fault.ErrProtocolTimeout)
	assert.Len(t, res.Children, 3)
}

func TestPartitionCoordinatorConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*PartitionJob)
	}{
		{"zero grid", func(j *PartitionJob) { j.GridSize = 0 }},
		{"no partitioner", func(j *PartitionJob) { j.Partitioner = nil }},
		{"no poll interval", func(j *PartitionJob) { j.PollInterval = 0 }},
		{"unbounded domain", func(j *PartitionJob) {
			j.Partitioner = partition.ColumnRangePartitioner{Bounds: partition.StaticBounds{Min: 0, Max: 1<<63 - 1}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := execution.NewMemoryRepository()
			sent := atomic.NewInt32(0)
			sender := cluster.SenderFunc[cluster.StepExecutionRequest](func(context.Context, cluster.StepExecutionRequest) error {
				sent.Inc()
				return nil
			})
			job := customerJob(4)
			tt.mod(&job)

			res := NewPartitionCoordinator(repo, sender).Execute(context.Background(), job)

			assert.Equal(t, execution.StatusFailed, res.Status)
			assert.ErrorIs(t, res.Err, fault.ErrConfiguration)
			assert.Zero(t, sent.Load())
			parent, err := repo.Get(context.Background(), res.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusFailed, parent.Status)
			assert.Equal(t, 1, repo.Len(), "no child records")
		})
	}
}

func TestPartitionCoordinatorEmptyDomain(t *testing.T) {
	repo := execution.NewMemoryRepository()
	job := customerJob(4)
	job.Partitioner = partition.ColumnRangePartitioner{Bounds: partition.StaticBounds{Min: 1, Max: 0}}

	res := NewPartitionCoordinator(repo, inlineWorker(repo, nil)).Execute(context.Background(), job)

	require.Equal(t, execution.StatusCompleted, res.Status)
	require.Len(t, res.Children, 1)
	assert.Zero(t, res.ItemsRead)
}
