package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/execution"
)

var tracer = otel.Tracer("github.com/dreamware/batchgrid/internal/worker")

// RequestHandler runs partition requests against the execution repository.
// It is safe for concurrent use; each request runs on the caller's goroutine.
type RequestHandler struct {
	locator *StepLocator
	repo    execution.Repository
	options

	mu      sync.Mutex
	running map[int64]struct{}
	active  *atomic.Int64
}

func NewRequestHandler(locator *StepLocator, repo execution.Repository, opts ...Option) *RequestHandler {
	return &RequestHandler{
		locator: locator,
		repo:    repo,
		options: applyOptions(opts),
		running: make(map[int64]struct{}),
		active:  atomic.NewInt64(0),
	}
}

// Active returns the number of requests currently running.
func (h *RequestHandler) Active() int64 { return h.active.Load() }

// Handle executes one partition request to a terminal status.
//
// A request for an execution that is already terminal, or already running
// on this handler, is a duplicate and returns nil without side effects. An
// unknown step fails the record. Step failures are recorded, not returned;
// the error result is reserved for repository trouble.
func (h *RequestHandler) Handle(ctx context.Context, req cluster.StepExecutionRequest) error {
	id := execution.ID(req.ExecutionID)
	log := h.logger.With(
		zap.Int64("execution_id", req.ExecutionID),
		zap.String("step", req.StepName),
		zap.String("message_id", req.MessageID))

	ctx, span := tracer.Start(ctx, "worker.Handle")
	span.SetAttributes(attribute.Int64("execution_id", req.ExecutionID), attribute.String("step", req.StepName))
	defer span.End()

	if !h.claim(req.ExecutionID) {
		log.Debug("duplicate request for running execution ignored")
		return nil
	}
	defer h.release(req.ExecutionID)

	step, err := h.locator.Locate(req.StepName)
	if err != nil {
		log.Error("cannot run request", zap.Error(err))
		res := failed(err)
		if uerr := h.repo.UpdateStatus(ctx, id, res.Status, res.FailureCause); uerr != nil {
			return errors.Join(err, fmt.Errorf("record failure: %w", uerr))
		}
		h.reply(ctx, req, res, log)
		return err
	}

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution %d: %w", id, err)
	}
	if rec.Status.Terminal() {
		log.Debug("duplicate request for finished execution ignored", zap.String("status", string(rec.Status)))
		return nil
	}

	if err := h.repo.UpdateStatus(ctx, id, execution.StatusStarted, ""); err != nil {
		return fmt.Errorf("start execution %d: %w", id, err)
	}

	desc := req.Descriptor
	if desc == nil {
		if d, ok := rec.Descriptor(); ok {
			desc = &d
		}
	}
	log.Info("running partition", zap.String("partition", describe(desc)))

	res := step.Run(ctx, desc)

	if err := recordOutcome(ctx, h.repo, id, res); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	log.Info("partition finished",
		zap.String("status", string(res.Status)),
		zap.Int64("read", res.ItemsRead),
		zap.Int64("written", res.ItemsWritten),
		zap.Int64("skipped", res.ItemsSkipped),
		zap.String("cause", res.FailureCause))
	h.reply(ctx, req, res, log)
	return nil
}

func (h *RequestHandler) claim(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.running[id]; busy {
		return false
	}
	h.running[id] = struct{}{}
	h.active.Inc()
	return true
}

func (h *RequestHandler) release(id int64) {
	h.mu.Lock()
	delete(h.running, id)
	h.mu.Unlock()
	h.active.Dec()
}

func (h *RequestHandler) reply(ctx context.Context, req cluster.StepExecutionRequest, res chunk.Result, log *zap.Logger) {
	if h.replies == nil {
		return
	}
	msg := cluster.StepExecutionReply{
		MessageID:     req.MessageID,
		ExecutionID:   req.ExecutionID,
		Status:        string(res.Status),
		Cause:         res.FailureCause,
		ItemsRead:     res.ItemsRead,
		ItemsWritten:  res.ItemsWritten,
		ItemsSkipped:  res.ItemsSkipped,
		ItemsFiltered: res.ItemsFiltered,
	}
	if err := h.replies.Send(detach(ctx), msg); err != nil {
		log.Warn("reply not sent", zap.Error(err))
	}
}

// recordOutcome stores counters and then the terminal status. A cancelled
// ctx does not prevent the final write.
func recordOutcome(ctx context.Context, repo execution.Repository, id execution.ID, res chunk.Result) error {
	ctx = detach(ctx)
	if rep, ok := repo.(execution.Reporter); ok {
		if err := rep.RecordCounts(ctx, id, res.Counts()); err != nil {
			return fmt.Errorf("record counts of %d: %w", id, err)
		}
	}
	status := res.Status
	if !status.Terminal() {
		status = execution.StatusFailed
	}
	if err := repo.UpdateStatus(ctx, id, status, res.FailureCause); err != nil {
		return fmt.Errorf("finish execution %d: %w", id, err)
	}
	return nil
}

func detach(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.WithoutCancel(ctx)
	}
	return ctx
}
