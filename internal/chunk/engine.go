package chunk

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
	"github.com/dreamware/batchgrid/internal/metrics"
)

var tracer = otel.Tracer("github.com/dreamware/batchgrid/internal/chunk")

// Engine runs the read-process-write loop of one step.
type Engine[I, O any] struct {
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observers []Observer
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observers []Observer
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records chunk counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver appends observers, called in registration order.
func WithObserver(obs ...Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// NewEngine builds an engine. The config is validated by Run so a bad
// config surfaces as a FAILED result rather than a constructor error.
func NewEngine[I, O any](cfg Config, opts ...Option) *Engine[I, O] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Engine[I, O]{
		cfg:       cfg,
		logger:    o.logger.With(zap.String("step", cfg.Name)),
		metrics:   o.metrics,
		observers: o.observers,
	}
}

// Config returns the engine's config.
func (e *Engine[I, O]) Config() Config { return e.cfg }

// run holds the mutable state of a single Run call
type run[I, O any] struct {
	*Engine[I, O]
	r     item.Reader[I]
	p     item.Processor[I, O]
	w     item.Writer[O]
	skips *fault.SkipCounter
	res   Result
	seq   int64
}

// Run consumes r until it is exhausted, processing each item with p and
// writing each chunk's survivors to w. The returned Result carries a
// terminal status: COMPLETED, FAILED or STOPPED (ctx cancelled).
func (e *Engine[I, O]) Run(ctx context.Context, r item.Reader[I], p item.Processor[I, O], w item.Writer[O]) Result {
	ctx, span := tracer.Start(ctx, "chunk.Run")
	span.SetAttributes(attribute.String("step", e.cfg.Name), attribute.Int("chunk_size", e.cfg.ChunkSize))
	defer span.End()

	st := &run[I, O]{
		Engine: e,
		r:      r,
		p:      p,
		w:      w,
		skips:  fault.NewSkipCounter(e.cfg.Policy.SkipLimit),
		res:    Result{Status: execution.StatusStarted},
	}
	res := st.execute(ctx)

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int64("items_read", res.ItemsRead),
		attribute.Int64("items_written", res.ItemsWritten),
	)
	if res.Status == execution.StatusFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.FailureCause)
	}
	for _, o := range e.observers {
		o.OnComplete(res)
	}
	e.metrics.Execution(string(res.Status))
	e.logger.Info("step finished",
		zap.String("status", string(res.Status)),
		zap.Int64("read", res.ItemsRead),
		zap.Int64("written", res.ItemsWritten),
		zap.Int64("skipped", res.ItemsSkipped),
		zap.Int64("filtered", res.ItemsFiltered),
		zap.Int64("chunks", res.Chunks),
		zap.String("cause", res.FailureCause),
	)
	return res
}

func (st *run[I, O]) execute(ctx context.Context) Result {
	if err := st.cfg.Validate(); err != nil {
		return st.fail(err)
	}
	if st.r == nil || st.p == nil || st.w == nil {
		return st.fail(fmt.Errorf("%w: reader, processor and writer are required", fault.ErrConfiguration))
	}

	if err := open(ctx, st.r); err != nil {
		return st.fail(fmt.Errorf("open reader: %w", err))
	}
	defer st.close(st.r, "reader")
	if err := open(ctx, st.w); err != nil {
		return st.fail(fmt.Errorf("open writer: %w", err))
	}
	defer st.close(st.w, "writer")

	for {
		if ctx.Err() != nil {
			return st.stop(ctx.Err())
		}
		done, err := st.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return st.stop(err)
			}
			return st.fail(err)
		}
		if done {
			break
		}
	}

	if f, ok := st.w.(item.Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return st.stop(err)
			}
			return st.fail(fmt.Errorf("flush writer: %w", err))
		}
	}
	st.res.Status = execution.StatusCompleted
	return st.res
}

// step runs one chunk and reports whether the reader is exhausted
func (st *run[I, O]) step(ctx context.Context) (bool, error) {
	var (
		report ChunkReport
		inputs = make([]I, 0, st.cfg.ChunkSize)
		eos    bool
	)
	// Counters of a failing chunk still land in the result
	defer func() {
		st.res.ItemsRead += int64(report.Read)
		st.res.ItemsWritten += int64(report.Written)
		st.res.ItemsSkipped += int64(report.Skipped)
		st.res.ItemsFiltered += int64(report.Filtered)
	}()

	for len(inputs) < st.cfg.ChunkSize {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		in, err := st.read(ctx)
		if errors.Is(err, item.ErrEndOfSequence) {
			eos = true
			break
		}
		if errors.Is(err, errReadSkipped) {
			report.Read++
			report.Skipped++
			continue
		}
		if err != nil {
			return false, err
		}
		report.Read++
		inputs = append(inputs, in)
	}

	if report.Read == 0 {
		return true, nil
	}

	st.seq++
	report.Step = st.cfg.Name
	report.Sequence = st.seq

	outputs := make([]O, 0, len(inputs))
	for _, in := range inputs {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		out, err := st.process(ctx, in)
		switch {
		case err == nil:
			outputs = append(outputs, out)
		case errors.Is(err, item.ErrFiltered):
			report.Filtered++
		case errors.Is(err, errItemSkipped):
			report.Skipped++
		default:
			return false, err
		}
	}

	if len(outputs) > 0 {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		err := st.write(ctx, Chunk[O]{Sequence: st.seq, Items: outputs})
		switch {
		case err == nil:
			report.Written += len(outputs)
		case errors.Is(err, errItemSkipped):
			report.Skipped += len(outputs)
		default:
			return false, err
		}
	}

	st.res.Chunks++

	st.metrics.Chunk(st.cfg.Name, report.Read, report.Written, report.Skipped, report.Filtered)
	for _, o := range st.observers {
		o.OnChunk(report)
	}
	st.logger.Debug("chunk done",
		zap.Int64("sequence", report.Sequence),
		zap.Int("read", report.Read),
		zap.Int("written", report.Written),
		zap.Int("skipped", report.Skipped),
		zap.Int("filtered", report.Filtered),
	)
	return eos, nil
}

var (
	errReadSkipped = errors.New("read skipped")
	errItemSkipped = errors.New("item skipped")
)

func (st *run[I, O]) read(ctx context.Context) (I, error) {
	var in I
	err := st.cfg.Policy.Retry(ctx, func() error {
		var err error
		in, err = st.r.Read(ctx)
		return err
	}, st.notifyRetry(UnitRead))
	if err == nil || errors.Is(err, item.ErrEndOfSequence) {
		return in, err
	}
	var zero I
	if skipErr := st.skip(ctx, nil, err); skipErr != nil {
		return zero, skipErr
	}
	return zero, errReadSkipped
}

func (st *run[I, O]) process(ctx context.Context, in I) (O, error) {
	var out O
	err := st.cfg.Policy.Retry(ctx, func() error {
		var err error
		out, err = st.p.Process(ctx, in)
		return err
	}, st.notifyRetry(UnitProcess))
	if err == nil || errors.Is(err, item.ErrFiltered) {
		return out, err
	}
	var zero O
	if skipErr := st.skip(ctx, in, err); skipErr != nil {
		return zero, skipErr
	}
	return zero, errItemSkipped
}

// write hands the chunk to the writer. A skipped write drops the whole
// chunk as a single skip event.
func (st *run[I, O]) write(ctx context.Context, c Chunk[O]) error {
	ctx, span := tracer.Start(ctx, "chunk.Write")
	span.SetAttributes(attribute.Int64("sequence", c.Sequence), attribute.Int("size", len(c.Items)))
	defer span.End()

	err := st.cfg.Policy.Retry(ctx, func() error {
		return st.w.Write(ctx, c.Items)
	}, st.notifyRetry(UnitWrite))
	if err == nil {
		return nil
	}
	span.RecordError(err)

	if ctx.Err() != nil || !st.cfg.Policy.Skippable(err) {
		return fmt.Errorf("write chunk %d: %w", c.Sequence, err)
	}
	if limitErr := st.skips.Register(); limitErr != nil {
		return fmt.Errorf("write chunk %d: %w: %w", c.Sequence, limitErr, err)
	}
	st.logger.Warn("chunk skipped on write", zap.Int64("sequence", c.Sequence), zap.Int("size", len(c.Items)), zap.Error(err))
	for _, it := range c.Items {
		st.notifySkip(it, err)
	}
	return errItemSkipped
}

// skip applies the skip policy to a failed read (item == nil) or process.
// It returns nil when the failure was absorbed.
func (st *run[I, O]) skip(ctx context.Context, it any, err error) error {
	unit := UnitProcess
	if it == nil {
		unit = UnitRead
	}
	if ctx.Err() != nil || !st.cfg.Policy.Skippable(err) {
		return fmt.Errorf("%s: %w", unit, err)
	}
	if limitErr := st.skips.Register(); limitErr != nil {
		return fmt.Errorf("%s: %w: %w", unit, limitErr, err)
	}
	st.logger.Warn("item skipped", zap.String("unit", unit), zap.Error(err))
	st.notifySkip(it, err)
	return nil
}

func (st *run[I, O]) notifySkip(it any, err error) {
	for _, o := range st.observers {
		o.OnSkip(it, err)
	}
}

func (st *run[I, O]) notifyRetry(unit string) func(error, int) {
	return func(err error, attempt int) {
		st.metrics.Retry(st.cfg.Name, unit)
		st.logger.Debug("retrying", zap.String("unit", unit), zap.Int("attempt", attempt), zap.Error(err))
		for _, o := range st.observers {
			o.OnRetry(unit, attempt, err)
		}
	}
}

func (st *run[I, O]) fail(err error) Result {
	st.res.Status = execution.StatusFailed
	st.res.Err = err
	st.res.FailureCause = fault.Cause(err)
	return st.res
}

func (st *run[I, O]) stop(err error) Result {
	st.res.Status = execution.StatusStopped
	st.res.Err = err
	st.res.FailureCause = fault.Cause(err)
	return st.res
}

func (st *run[I, O]) close(v any, role string) {
	c, ok := v.(item.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		st.logger.Warn("close failed", zap.String("role", role), zap.Error(err))
	}
}

func open(ctx context.Context, v any) error {
	if o, ok := v.(item.Opener); ok {
		return o.Open(ctx)
	}
	return nil
}
