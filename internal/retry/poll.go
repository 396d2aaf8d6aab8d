package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when the operation is still pending at the
// poll deadline.
var ErrPollTimeout = errors.New("poll timed out")

// PollConfig mirrors the shape of provider poll loops: an optional initial
// wait, then an interval that grows by Factor up to MaxInterval, bounded by
// Timeout overall.
type PollConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxInterval  time.Duration
	Factor       float64
	Timeout      time.Duration
	// OnPending is called after each poll that was not done.
	OnPending func(poll int, next time.Duration)
}

// Poll calls check until it reports done or returns an error. The error from
// check is returned unchanged so callers keep their classification. Running
// out of time yields an error wrapping ErrPollTimeout.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	factor := cfg.Factor
	if factor < 1 {
		factor = 1
	}

	pollCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	timedOut := func(polls int) error {
		return fmt.Errorf("%w after %v (%d polls)", ErrPollTimeout, cfg.Timeout, polls)
	}

	if err := sleep(pollCtx, cfg.InitialDelay); err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timedOut(0)
	}

	for polls := 1; ; polls++ {
		result, done, err := check(pollCtx)
		if err != nil {
			if ctx.Err() == nil && pollCtx.Err() != nil {
				return zero, timedOut(polls)
			}
			return zero, err
		}
		if done {
			return result, nil
		}

		if cfg.OnPending != nil {
			cfg.OnPending(polls, interval)
		}
		if err := sleep(pollCtx, interval); err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, timedOut(polls)
		}

		next := time.Duration(float64(interval) * factor)
		if cfg.MaxInterval > 0 && next > cfg.MaxInterval {
			next = cfg.MaxInterval
		}
		interval = next
	}
}
