package fault

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the wait between retry attempts. The zero value means
// retries happen immediately.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

func (b Backoff) enabled() bool { return b.Initial > 0 }

// Policy is the skip/retry configuration of one execution.
type Policy struct {
	RetryableKinds KindSet
	SkippableKinds KindSet
	MaxRetries     int
	SkipLimit      int
	Backoff        Backoff
}

// Validate rejects negative limits.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0, got %d", ErrConfiguration, p.MaxRetries)
	}
	if p.SkipLimit < 0 {
		return fmt.Errorf("%w: skipLimit must be >= 0, got %d", ErrConfiguration, p.SkipLimit)
	}
	if p.Backoff.Multiplier < 0 || p.Backoff.Initial < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("%w: backoff values must not be negative", ErrConfiguration)
	}
	return nil
}

// Retryable reports whether err belongs to the retryable kinds.
func (p Policy) Retryable(err error) bool { return p.RetryableKinds.Matches(err) }

// Skippable reports whether err belongs to the skippable kinds.
func (p Policy) Skippable(err error) bool { return p.SkippableKinds.Matches(err) }

// NewBackOff returns a fresh backoff sequence bounded by MaxRetries.
func (p Policy) NewBackOff() backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Backoff.enabled() {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Backoff.Initial
		if p.Backoff.Max > 0 {
			eb.MaxInterval = p.Backoff.Max
		}
		if p.Backoff.Multiplier > 0 {
			eb.Multiplier = p.Backoff.Multiplier
		}
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// Retry runs op, repeating it while it fails with a retryable error and the
// retry budget lasts. notify is called before each repeat with the error that
// triggered it. The returned error is the last failure, or nil.
func (p Policy) Retry(ctx context.Context, op func() error, notify func(err error, attempt int)) error {
	attempt := 0
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, _ time.Duration) {
		attempt++
		if notify != nil {
			notify(err, attempt)
		}
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(p.NewBackOff(), ctx), onRetry)
}

// SkipCounter counts skip events against a limit. It is not safe for
// concurrent use; one execution owns one counter.
type SkipCounter struct {
	limit int
	count int
}

// NewSkipCounter returns a counter that tolerates limit skips.
func NewSkipCounter(limit int) *SkipCounter {
	return &SkipCounter{limit: limit}
}

// Register records one skip. When the limit is already reached the count is
// left untouched and ErrSkipLimitExceeded is returned.
func (c *SkipCounter) Register() error {
	if c.count >= c.limit {
		return fmt.Errorf("%w: limit %d", ErrSkipLimitExceeded, c.limit)
	}
	c.count++
	return nil
}

// Count returns the number of registered skips.
func (c *SkipCounter) Count() int { return c.count }

// Limit returns the configured limit.
func (c *SkipCounter) Limit() int { return c.limit }
