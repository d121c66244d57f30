// Package retry runs flaky remote operations with exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultJitter      = 0.2
)

// Policy configures a Retrier. Zero fields take the package defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Delay, when positive, replaces the exponential computation.
	Delay time.Duration

	// Jitter is the fraction of the delay added at random on top of it.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(op string, attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Jitter:      defaultJitter,
		Retryable:   IsTransient,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

type Retrier struct {
	policy Policy
	logger *zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

func New(policy Policy, logger *zerolog.Logger) *Retrier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Retrier{
		policy: policy.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
		random: rand.Float64,
	}
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// MaxAttempts is the upper bound on calls Run makes to fn.
func (r *Retrier) MaxAttempts() int {
	return r.policy.MaxAttempts
}

// Do is Run without the attempt count.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := r.Run(ctx, op, fn)
	return err
}

// Run calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The returned error is the last one fn produced, unwrapped.
func (r *Retrier) Run(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		if attempt == r.policy.MaxAttempts || !r.policy.Retryable(lastErr) {
			return attempt, lastErr
		}

		delay := r.Backoff(attempt)
		r.logger.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", r.policy.MaxAttempts).
			Dur("delay", delay).
			Msg("retrying operation")

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(op, attempt, delay, lastErr)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}

	return r.policy.MaxAttempts, lastErr
}

// Backoff returns the wait after the given failed attempt (1-based).
func (r *Retrier) Backoff(attempt int) time.Duration {
	base := r.policy.Delay
	if base <= 0 {
		exp := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
		if exp > float64(r.policy.MaxDelay) {
			exp = float64(r.policy.MaxDelay)
		}
		base = time.Duration(exp)
	}
	if r.policy.Jitter == 0 {
		return base
	}
	return base + time.Duration(float64(base)*r.policy.Jitter*r.random())
}

// Value runs fn through r and returns its result.
func Value[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// WithTimeout runs fn under a deadline derived from ctx.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(tctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
