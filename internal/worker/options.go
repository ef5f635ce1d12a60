package worker

import (
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/metrics"
)

// Option configures the request handler, the chunk worker and the launcher.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	codec     cluster.Codec
	replies   cluster.Sender[cluster.StepExecutionReply]
	cacheSize int64
}

func applyOptions(opts []Option) options {
	o := options{
		logger:    zap.NewNop(),
		codec:     cluster.MsgpackCodec{},
		cacheSize: 4096,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records worker metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCodec sets the item codec of remote chunks. It must match the
// coordinator's.
func WithCodec(c cluster.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithReplySender makes the request handler answer every request it
// finishes. Replies are informational; the repository stays authoritative.
func WithReplySender(s cluster.Sender[cluster.StepExecutionReply]) Option {
	return func(o *options) { o.replies = s }
}

// WithReplyCacheSize bounds how many chunk replies are kept for answering
// duplicate requests.
func WithReplyCacheSize(n int64) Option {
	return func(o *options) { o.cacheSize = n }
}
