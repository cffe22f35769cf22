package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = time.Minute
)

// Fetcher is the part of Client the poll policy needs.
type Fetcher interface {
	FetchResult(ctx context.Context, h Handle) (Result, error)
}

// Policy polls at a fixed Interval until a terminal status or until MaxWait
// has elapsed. Remote latency is seconds to tens of seconds and call volume is
// low, so there is no exponential growth.
type Policy struct {
	Interval time.Duration
	MaxWait  time.Duration

	// Progress, when set, is called after every non-terminal poll.
	Progress func(last Result, next time.Duration)

	Clock backoff.Clock // nil means backoff.SystemClock
	Timer backoff.Timer // nil means a real timer
}

func DefaultPolicy() Policy {
	return Policy{Interval: DefaultPollInterval, MaxWait: DefaultMaxWait}
}

// Await blocks until h is terminal. ErrStillRunning is absorbed; any other
// fetch error stops polling and is returned unchanged. Running out of MaxWait
// or cancelling ctx yields a *PollTimeoutError. Neither cancels the remote
// command.
func (p Policy) Await(ctx context.Context, f Fetcher, h Handle) (Result, error) {
	clock := p.Clock
	if clock == nil {
		clock = backoff.SystemClock
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxWait := p.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}

	start := clock.Now()
	var last, final Result
	operation := func() error {
		res, err := f.FetchResult(ctx, h)
		switch {
		case err == nil:
			final = res
			return nil
		case errors.Is(err, ErrStillRunning):
			last = res
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	var notify backoff.Notify
	if p.Progress != nil {
		notify = func(_ error, next time.Duration) { p.Progress(last, next) }
	}

	b := &deadlineBackOff{
		inner:   backoff.NewConstantBackOff(interval),
		maxWait: maxWait,
		clock:   clock,
	}
	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(b, ctx), notify, p.Timer)
	switch {
	case err == nil:
		return final, nil
	case errors.Is(err, ErrStillRunning):
		return last, &PollTimeoutError{Handle: h, Waited: clock.Now().Sub(start), Last: last}
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return last, &PollTimeoutError{Handle: h, Waited: clock.Now().Sub(start), Last: last, Abandoned: true, Cause: err}
	default:
		return Result{}, err
	}
}

// deadlineBackOff wraps a constant backoff so that the last wait is cut short
// at the deadline and the next poll lands exactly on it.
type deadlineBackOff struct {
	inner    backoff.BackOff
	maxWait  time.Duration
	clock    backoff.Clock
	deadline time.Time
}

func (b *deadlineBackOff) Reset() {
	b.inner.Reset()
	b.deadline = b.clock.Now().Add(b.maxWait)
}

func (b *deadlineBackOff) NextBackOff() time.Duration {
	remaining := b.deadline.Sub(b.clock.Now())
	if remaining <= 0 {
		return backoff.Stop
	}
	next := b.inner.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if next > remaining {
		return remaining
	}
	return next
}
