// Package redisq implements cluster.Sender and cluster.Receiver on Redis
// lists. Messages are pushed with LPUSH and popped with BRPOP, so each list
// is a FIFO that survives restarts of either side.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/batchgrid/internal/cluster"
)

// DefaultPollTimeout bounds each BRPOP so that Receive re-checks its context.
const DefaultPollTimeout = time.Second

// Queue is one Redis list carrying messages of type T.
type Queue[T any] struct {
	client      redis.UniversalClient
	key         string
	codec       cluster.Codec
	pollTimeout time.Duration
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	codec       cluster.Codec
	pollTimeout time.Duration
}

// WithCodec sets the message codec; the default is msgpack.
func WithCodec(c cluster.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithPollTimeout sets the BRPOP timeout used by Receive.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) { o.pollTimeout = d }
}

// New returns a queue on list key.
func New[T any](client redis.UniversalClient, key string, opts ...Option) *Queue[T] {
	o := options{codec: cluster.MsgpackCodec{}, pollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{client: client, key: key, codec: o.codec, pollTimeout: o.pollTimeout}
}

// Key returns the Redis list name.
func (q *Queue[T]) Key() string { return q.key }

func (q *Queue[T]) Send(ctx context.Context, msg T) error {
	b, err := q.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("redisq %s: encode: %w", q.key, err)
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("redisq %s: lpush: %w", q.key, err)
	}
	return nil
}

func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("redisq %s: brpop: %w", q.key, err)
		}
		// BRPOP answers [key, value]
		return q.decode(res[1])
	}
}

func (q *Queue[T]) TryReceive(ctx context.Context) (T, bool, error) {
	var zero T
	s, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redisq %s: rpop: %w", q.key, err)
	}
	msg, err := q.decode(s)
	if err != nil {
		return zero, false, err
	}
	return msg, true, nil
}

// Len returns the number of queued messages.
func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *Queue[T]) decode(s string) (T, error) {
	var msg T
	if err := q.codec.Decode([]byte(s), &msg); err != nil {
		return msg, fmt.Errorf("redisq %s: decode: %w", q.key, err)
	}
	return msg, nil
}

// RequestKey and ReplyKey name the list pair used by one remote chunking job.
func RequestKey(prefix string) string { return prefix + ":requests" }
func ReplyKey(prefix string) string   { return prefix + ":replies" }
