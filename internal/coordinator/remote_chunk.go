package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
	"github.com/dreamware/batchgrid/internal/partition"
)

// RemoteChunkConfig bounds the request/reply protocol of remote chunking.
//
// Every reply wait lasts at most ReceiveTimeout. Timeouts are counted
// consecutively and any accepted reply resets the count; reaching
// MaxWaitTimeouts aborts with fault.ErrProtocolTimeout. The longest silence
// tolerated is therefore ReceiveTimeout * MaxWaitTimeouts.
type RemoteChunkConfig struct {
	JobID           string
	MaxInFlight     int
	ReceiveTimeout  time.Duration
	MaxWaitTimeouts int
}

func (c RemoteChunkConfig) validate() error {
	switch {
	case c.MaxInFlight < 1:
		return fmt.Errorf("%w: maxInFlight must be >= 1, got %d", fault.ErrConfiguration, c.MaxInFlight)
	case c.ReceiveTimeout <= 0:
		return fmt.Errorf("%w: receiveTimeout must be positive", fault.ErrConfiguration)
	case c.MaxWaitTimeouts < 1:
		return fmt.Errorf("%w: maxWaitTimeouts must be >= 1, got %d", fault.ErrConfiguration, c.MaxWaitTimeouts)
	}
	return nil
}

// inFlight is a chunk dispatched and not yet acknowledged
type inFlight struct {
	Sequence     int64
	Size         int
	DispatchedAt time.Time
}

// ChunkWriter is the item.Writer of the master side of remote chunking.
// Instead of writing, it ships each chunk to workers and keeps at most
// MaxInFlight of them unacknowledged. It is used by one engine run and is
// not safe for concurrent Write calls.
type ChunkWriter[T any] struct {
	cfg      RemoteChunkConfig
	requests cluster.Sender[cluster.ChunkRequest]
	replies  cluster.Receiver[cluster.ChunkReply]
	options

	seq      int64
	inflight map[int64]inFlight
	timeouts int
	remote   execution.Counts
	failure  error

	dispatched *atomic.Int64
	acked      *atomic.Int64
}

// NewChunkWriter creates a writer for one job. An empty JobID gets a UUID.
func NewChunkWriter[T any](cfg RemoteChunkConfig, requests cluster.Sender[cluster.ChunkRequest], replies cluster.Receiver[cluster.ChunkReply], opts ...Option) *ChunkWriter[T] {
	if cfg.JobID == "" {
		cfg.JobID = uuid.NewString()
	}
	o := applyOptions(opts)
	o.logger = o.logger.With(zap.String("job_id", cfg.JobID))
	return &ChunkWriter[T]{
		cfg:        cfg,
		requests:   requests,
		replies:    replies,
		options:    o,
		inflight:   make(map[int64]inFlight),
		dispatched: atomic.NewInt64(0),
		acked:      atomic.NewInt64(0),
	}
}

// JobID returns the job identifier stamped on every request.
func (w *ChunkWriter[T]) JobID() string { return w.cfg.JobID }

// Open validates the protocol limits before the first chunk.
func (w *ChunkWriter[T]) Open(context.Context) error {
	return w.cfg.validate()
}

// Write dispatches items as the next chunk, absorbs replies that are
// already waiting and then blocks while MaxInFlight chunks are outstanding.
func (w *ChunkWriter[T]) Write(ctx context.Context, items []T) error {
	if w.failure != nil {
		return w.failure
	}
	ctx, span := tracer.Start(ctx, "remote.Dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	encoded, err := cluster.EncodeItems(w.codec, items)
	if err != nil {
		return err
	}
	w.seq++
	req := cluster.ChunkRequest{JobID: w.cfg.JobID, Sequence: w.seq, Items: encoded}
	span.SetAttributes(attribute.Int64("sequence", w.seq), attribute.Int("size", len(items)))
	if err := w.requests.Send(ctx, req); err != nil {
		return fmt.Errorf("dispatch chunk %d: %w", w.seq, err)
	}
	w.inflight[w.seq] = inFlight{Sequence: w.seq, Size: len(items), DispatchedAt: w.clock.Now()}
	w.dispatched.Inc()
	w.metrics.SetInFlight(len(w.inflight))

	if err := w.drain(ctx); err != nil {
		return err
	}
	for len(w.inflight) >= w.cfg.MaxInFlight && w.failure == nil {
		if err := w.waitOne(ctx); err != nil {
			return err
		}
	}
	return w.failure
}

// Flush blocks until every dispatched chunk is acknowledged.
func (w *ChunkWriter[T]) Flush(ctx context.Context) error {
	if err := w.drain(ctx); err != nil {
		return err
	}
	for len(w.inflight) > 0 && w.failure == nil {
		if err := w.waitOne(ctx); err != nil {
			return err
		}
	}
	return w.failure
}

// RemoteCounts returns the written, skipped and filtered totals reported by
// workers so far.
func (w *ChunkWriter[T]) RemoteCounts() execution.Counts { return w.remote }

// InFlight returns the number of unacknowledged chunks.
func (w *ChunkWriter[T]) InFlight() int { return len(w.inflight) }

// Dispatched returns the number of chunks sent.
func (w *ChunkWriter[T]) Dispatched() int64 { return w.dispatched.Load() }

func (w *ChunkWriter[T]) drain(ctx context.Context) error {
	for {
		reply, ok, err := w.replies.TryReceive(ctx)
		if err != nil {
			return fmt.Errorf("receive reply: %w", err)
		}
		if !ok {
			return nil
		}
		w.accept(reply)
	}
}

// waitOne waits up to ReceiveTimeout for a single reply
func (w *ChunkWriter[T]) waitOne(ctx context.Context) error {
	reply, err := w.receive(ctx)
	switch {
	case err == nil:
		w.accept(reply)
		return nil
	case errors.Is(err, errReceiveTimeout):
		w.timeouts++
		w.metrics.ReplyTimeout()
		w.logger.Warn("reply wait timed out",
			zap.Int("consecutive", w.timeouts),
			zap.Int("max", w.cfg.MaxWaitTimeouts),
			zap.Int("in_flight", len(w.inflight)))
		if w.timeouts >= w.cfg.MaxWaitTimeouts {
			w.failure = fmt.Errorf("%w: %d chunks unacknowledged after %d waits of %s",
				fault.ErrProtocolTimeout, len(w.inflight), w.timeouts, w.cfg.ReceiveTimeout)
			w.inflight = make(map[int64]inFlight)
			w.metrics.SetInFlight(0)
			return w.failure
		}
		return nil
	default:
		return err
	}
}

var errReceiveTimeout = errors.New("receive timeout")

func (w *ChunkWriter[T]) receive(ctx context.Context) (cluster.ChunkReply, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		reply cluster.ChunkReply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := w.replies.Receive(waitCtx)
		done <- result{r, err}
	}()

	timer := w.clock.NewTimer(w.cfg.ReceiveTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return r.reply, ctx.Err()
		}
		return r.reply, r.err
	case <-timer.Chan():
		cancel()
		// A reply that raced the timer is still delivered
		if r := <-done; r.err == nil {
			return r.reply, nil
		}
		if ctx.Err() != nil {
			return cluster.ChunkReply{}, ctx.Err()
		}
		return cluster.ChunkReply{}, errReceiveTimeout
	}
}

// accept matches a reply to its in-flight chunk. Replies for another job,
// unknown sequences and duplicates are ignored.
func (w *ChunkWriter[T]) accept(r cluster.ChunkReply) {
	if r.JobID != w.cfg.JobID {
		w.logger.Debug("reply for another job ignored", zap.String("reply_job", r.JobID))
		return
	}
	f, ok := w.inflight[r.Sequence]
	if !ok {
		w.logger.Debug("duplicate or unknown reply ignored", zap.Int64("sequence", r.Sequence))
		return
	}
	delete(w.inflight, r.Sequence)
	w.timeouts = 0
	w.acked.Inc()
	w.metrics.SetInFlight(len(w.inflight))

	w.remote.ItemsWritten += r.Written
	w.remote.ItemsSkipped += r.Skipped
	w.remote.ItemsFiltered += r.Filtered

	if r.Status != cluster.ReplyCompleted && w.failure == nil {
		cause := r.Cause
		if cause == "" {
			cause = "no cause reported"
		}
		w.failure = fmt.Errorf("chunk %d (%d items) failed on worker: %s", f.Sequence, f.Size, cause)
		w.logger.Error("remote chunk failed", zap.Int64("sequence", f.Sequence), zap.String("cause", cause))
	}
}

// RemoteChunkCoordinator is the master side of remote chunking: it reads
// locally and lets workers process and write.
type RemoteChunkCoordinator[T any] struct {
	step     chunk.Config
	cfg      RemoteChunkConfig
	requests cluster.Sender[cluster.ChunkRequest]
	replies  cluster.Receiver[cluster.ChunkReply]
	reader   func() item.Reader[T]
	opts     []Option
	options
}

// NewRemoteChunkCoordinator builds a coordinator. newReader returns a fresh
// reader per execution.
func NewRemoteChunkCoordinator[T any](step chunk.Config, cfg RemoteChunkConfig, newReader func() item.Reader[T],
	requests cluster.Sender[cluster.ChunkRequest], replies cluster.Receiver[cluster.ChunkReply], opts ...Option,
) *RemoteChunkCoordinator[T] {
	return &RemoteChunkCoordinator[T]{
		step:     step,
		cfg:      cfg,
		requests: requests,
		replies:  replies,
		reader:   newReader,
		opts:     opts,
		options:  applyOptions(opts),
	}
}

// Name returns the step name.
func (c *RemoteChunkCoordinator[T]) Name() string { return c.step.Name }

// Config returns the step config.
func (c *RemoteChunkCoordinator[T]) Config() chunk.Config { return c.step }

// Run satisfies the step contract used by launchers; remote chunking is
// never partitioned so desc is ignored.
func (c *RemoteChunkCoordinator[T]) Run(ctx context.Context, _ *partition.Descriptor) chunk.Result {
	return c.Execute(ctx, c.reader())
}

// Execute reads r to the end, ships every chunk and waits for all replies.
// Read counters come from the local engine; written, skipped and filtered
// counters come from the workers' replies. Cancelling ctx stops dispatch and
// ends the execution ABANDONED.
func (c *RemoteChunkCoordinator[T]) Execute(ctx context.Context, r item.Reader[T]) chunk.Result {
	w := NewChunkWriter[T](c.cfg, c.requests, c.replies, c.opts...)
	engine := chunk.NewEngine[T, T](c.step, chunk.WithLogger(c.logger), chunk.WithMetrics(c.metrics))

	local := engine.Run(ctx, r, item.PassThrough[T](), w)

	res := local
	remote := w.RemoteCounts()
	res.ItemsWritten = remote.ItemsWritten
	res.ItemsSkipped = local.ItemsSkipped + remote.ItemsSkipped
	res.ItemsFiltered = local.ItemsFiltered + remote.ItemsFiltered

	// A cancelled master leaves chunks on the workers unaccounted for
	if res.Status == execution.StatusStopped && ctx.Err() != nil {
		res.Status = execution.StatusAbandoned
	}

	c.logger.Info("remote chunking finished",
		zap.String("job_id", w.JobID()),
		zap.String("status", string(res.Status)),
		zap.Int64("dispatched", w.Dispatched()),
		zap.Int64("read", res.ItemsRead),
		zap.Int64("written", res.ItemsWritten),
		zap.String("cause", res.FailureCause))
	return res
}
