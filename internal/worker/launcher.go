package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/execution"
)

var (
	// ErrAlreadyComplete is returned when the last run with the same key
	// completed and the step does not allow restarting from COMPLETED.
	ErrAlreadyComplete = errors.New("step already completed for this key")

	// ErrAlreadyRunning is returned when the last run with the same key has
	// not finished.
	ErrAlreadyRunning = errors.New("step already running for this key")
)

// KeyedRepository is a repository that can find executions by key.
type KeyedRepository interface {
	execution.Repository
	execution.Finder
}

// Launcher starts unpartitioned runs of a step, keyed by their parameters.
// A key identifies a logical job instance: the same key is only run again
// after the previous run failed, stopped or was abandoned.
type Launcher struct {
	repo KeyedRepository
	options
}

func NewLauncher(repo KeyedRepository, opts ...Option) *Launcher {
	return &Launcher{repo: repo, options: applyOptions(opts)}
}

// Launch runs step under key and returns the new execution ID with the
// result. Launch blocks until the step finishes.
func (l *Launcher) Launch(ctx context.Context, step Step, key string) (execution.ID, chunk.Result, error) {
	log := l.logger.With(zap.String("step", step.Name()), zap.String("key", key))

	last, err := l.repo.FindLatest(ctx, step.Name(), key)
	switch {
	case errors.Is(err, execution.ErrNotFound):
	case err != nil:
		return 0, chunk.Result{}, fmt.Errorf("look up last run: %w", err)
	case last.Status == execution.StatusCompleted && !step.Config().AllowRestartFromCompleted:
		return last.ID, chunk.Result{}, fmt.Errorf("%w: execution %d", ErrAlreadyComplete, last.ID)
	case last.Status.Running():
		return last.ID, chunk.Result{}, fmt.Errorf("%w: execution %d is %s", ErrAlreadyRunning, last.ID, last.Status)
	default:
		log.Info("restarting", zap.Int64("previous_id", int64(last.ID)), zap.String("previous_status", string(last.Status)))
	}

	id, err := l.repo.CreateKeyed(ctx, step.Name(), key)
	if err != nil {
		return 0, chunk.Result{}, fmt.Errorf("create execution: %w", err)
	}
	if err := l.repo.UpdateStatus(ctx, id, execution.StatusStarted, ""); err != nil {
		return id, chunk.Result{}, fmt.Errorf("start execution %d: %w", id, err)
	}

	res := step.Run(ctx, nil)
	if err := recordOutcome(ctx, l.repo, id, res); err != nil {
		return id, res, err
	}
	log.Info("launch finished", zap.Int64("execution_id", int64(id)), zap.String("status", string(res.Status)))
	return id, res, nil
}
