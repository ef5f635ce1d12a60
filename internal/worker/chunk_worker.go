package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
)

// ChunkWorker is the worker side of remote chunking. It decodes each chunk,
// runs the processor and the writer over it with the step's fault policy
// and always answers with a ChunkReply.
//
// The skip limit applies per chunk: every request starts a fresh count.
type ChunkWorker[I, O any] struct {
	cfg       chunk.Config
	processor item.Processor[I, O]
	writer    item.Writer[O]
	observers []chunk.Observer
	options

	// Replies already sent, keyed by job and sequence
	seen *ristretto.Cache[string, cluster.ChunkReply]
}

// NewChunkWorker builds a worker. cfg.ChunkSize is ignored; a request's
// chunk is processed whole.
//
// The duplicate guard is best-effort: the reply cache holds at most
// WithReplyCacheSize entries and its admission policy may refuse a reply
// once full, so a redelivered chunk older than that can run again. Size the
// cache well above the master's MaxInFlight and pair the worker with an
// idempotent writer when exactly-once writes matter.
func NewChunkWorker[I, O any](cfg chunk.Config, p item.Processor[I, O], w item.Writer[O], opts ...Option) (*ChunkWorker[I, O], error) {
	if p == nil || w == nil {
		return nil, fmt.Errorf("%w: chunk worker needs a processor and a writer", fault.ErrConfiguration)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	if o.cacheSize < 1 {
		return nil, fmt.Errorf("%w: reply cache size must be positive", fault.ErrConfiguration)
	}
	seen, err := ristretto.NewCache(&ristretto.Config[string, cluster.ChunkReply]{
		NumCounters:        o.cacheSize * 10,
		MaxCost:            o.cacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("reply cache: %w", err)
	}
	return &ChunkWorker[I, O]{
		cfg:       cfg,
		processor: p,
		writer:    w,
		options:   o,
		seen:      seen,
	}, nil
}

// Observe adds observers notified of skips and retries inside chunks.
func (cw *ChunkWorker[I, O]) Observe(obs ...chunk.Observer) {
	cw.observers = append(cw.observers, obs...)
}

// Close releases the reply cache.
func (cw *ChunkWorker[I, O]) Close() {
	cw.seen.Close()
}

func replyKey(jobID string, seq int64) string {
	return jobID + ":" + strconv.FormatInt(seq, 10)
}

// Handle processes one chunk request. A request seen before is answered
// with the stored reply and is not processed again.
func (cw *ChunkWorker[I, O]) Handle(ctx context.Context, req cluster.ChunkRequest) cluster.ChunkReply {
	key := replyKey(req.JobID, req.Sequence)
	if prev, ok := cw.seen.Get(key); ok {
		cw.logger.Debug("duplicate chunk answered from cache", zap.String("job_id", req.JobID), zap.Int64("sequence", req.Sequence))
		return prev
	}

	ctx, span := tracer.Start(ctx, "worker.Chunk", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job_id", req.JobID), attribute.Int64("sequence", req.Sequence))
	defer span.End()

	reply := cw.process(ctx, req)
	reply.JobID = req.JobID
	reply.Sequence = req.Sequence

	// A stopped chunk is not final; a redelivery must run it again
	if reply.Status != cluster.ReplyStopped {
		cw.seen.Set(key, reply, 1)
		cw.seen.Wait()
	}
	span.SetAttributes(attribute.String("status", reply.Status))
	return reply
}

func (cw *ChunkWorker[I, O]) process(ctx context.Context, req cluster.ChunkRequest) cluster.ChunkReply {
	items, err := cluster.DecodeItems[I](cw.codec, req.Items)
	if err != nil {
		cw.logger.Error("undecodable chunk", zap.String("job_id", req.JobID), zap.Int64("sequence", req.Sequence), zap.Error(err))
		return cluster.ChunkReply{Status: cluster.ReplyFailed, Cause: fault.Cause(fmt.Errorf("decode chunk: %w", err))}
	}
	if len(items) == 0 {
		return cluster.ChunkReply{Status: cluster.ReplyCompleted}
	}

	cfg := cw.cfg
	cfg.ChunkSize = len(items)
	engine := chunk.NewEngine[I, O](cfg,
		chunk.WithLogger(cw.logger.With(zap.String("job_id", req.JobID), zap.Int64("sequence", req.Sequence))),
		chunk.WithObserver(cw.observers...))
	res := engine.Run(ctx, item.NewSliceReader(items), cw.processor, cw.writer)

	cw.metrics.Chunk(cw.cfg.Name, int(res.ItemsRead), int(res.ItemsWritten), int(res.ItemsSkipped), int(res.ItemsFiltered))

	reply := cluster.ChunkReply{
		Written:  res.ItemsWritten,
		Skipped:  res.ItemsSkipped,
		Filtered: res.ItemsFiltered,
		Cause:    res.FailureCause,
	}
	switch res.Status {
	case execution.StatusCompleted:
		reply.Status = cluster.ReplyCompleted
	case execution.StatusStopped:
		reply.Status = cluster.ReplyStopped
	default:
		reply.Status = cluster.ReplyFailed
	}
	return reply
}

// Run consumes requests and sends a reply for each until ctx is done or the
// request channel is closed. A failed reply send ends the loop.
func (cw *ChunkWorker[I, O]) Run(ctx context.Context, requests cluster.Receiver[cluster.ChunkRequest], replies cluster.Sender[cluster.ChunkReply]) error {
	cw.logger.Info("chunk worker started", zap.String("step", cw.cfg.Name))
	for {
		req, err := requests.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			cw.logger.Info("chunk worker stopped")
			return nil
		case errors.Is(err, cluster.ErrQueueClosed):
			return nil
		default:
			return fmt.Errorf("receive chunk: %w", err)
		}

		reply := cw.Handle(ctx, req)
		if err := replies.Send(detach(ctx), reply); err != nil {
			return fmt.Errorf("send reply for chunk %d: %w", req.Sequence, err)
		}
	}
}
