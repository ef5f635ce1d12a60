package coordinator

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/cluster"
	"github.com/dreamware/batchgrid/internal/metrics"
)

// Option configures the partition and remote chunk coordinators.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	codec   cluster.Codec
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		codec:  cluster.MsgpackCodec{},
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
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

// WithClock sets the clock behind poll intervals and reply timeouts.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records coordinator metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCodec sets the item codec used for remote chunks.
func WithCodec(c cluster.Codec) Option {
	return func(o *options) { o.codec = c }
}
