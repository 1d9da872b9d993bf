package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

type RetryPolicy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type RetryOption func(*Retrier)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// Retrier repeats an operation up to MaxAttempts times in total, doubling
// the delay after every failed attempt.
type Retrier struct {
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetrier(p RetryPolicy, opts ...RetryOption) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	r := &Retrier{policy: p, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do returns nil on the first success, otherwise the last error as is.
// An open circuit or a finished context stops retrying immediately.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	delay := r.policy.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= r.policy.MaxAttempts || !retryable(ctx, err) {
			return err
		}
		log.Debug().Str("module", "resilience.retry").Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying")
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
