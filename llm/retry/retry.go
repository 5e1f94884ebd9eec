// Package retry executes an attempt function with bounded retries,
// exponential backoff, and jitter. Retryability is decided by the structured
// error classification, not by inspecting transport types.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/internal/clock"
	"github.com/gitcommitshow/resilient-llm/types"
)

// Policy defines the retry behavior.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first
	// (0 means exactly one attempt).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the base delay before the first retry.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// Multiplier grows the delay per attempt (exponential backoff).
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxBackoff caps any single delay, including Retry-After hints.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
	}
}

// Executor runs attempt functions under a Policy.
type Executor struct {
	policy Policy
	clock  clock.Clock
	logger *zap.Logger

	// randFloat returns a uniform value in [0, 1); injectable for tests.
	randFloat func() float64
}

// New creates an executor. A nil policy uses defaults; invalid fields are
// corrected to defaults.
func New(policy *Policy, clk clock.Clock, logger *zap.Logger) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := *policy
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 1 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		policy:    p,
		clock:     clk,
		logger:    logger,
		randFloat: rand.Float64,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the backoff sleep is cancelled. fn receives the 0-based
// attempt number. Total invocations of fn never exceed MaxRetries+1.
func (e *Executor) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 0 {
				e.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !types.IsRetryable(lastErr) || attempt >= e.policy.MaxRetries {
			return lastErr
		}

		delay := e.delay(attempt, lastErr)
		e.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.policy.MaxRetries),
			zap.String("kind", string(types.GetKind(lastErr))),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		if err := e.clock.Sleep(ctx, delay); err != nil {
			return types.NewError(types.KindCancelled, "retry backoff cancelled").
				WithAttempt(attempt).
				WithCause(err)
		}
	}

	return lastErr
}

// delay computes the backoff before the retry following the given attempt:
// initial·multiplier^attempt, jittered by a uniform factor in [0.5, 1.5),
// raised to any Retry-After hint carried by err, and capped at MaxBackoff.
func (e *Executor) delay(attempt int, err error) time.Duration {
	d := float64(e.policy.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= e.policy.Multiplier
		if d >= float64(e.policy.MaxBackoff) {
			break
		}
	}

	d *= 0.5 + e.randFloat()

	if hint, ok := types.RetryAfterHint(err); ok && float64(hint) > d {
		d = float64(hint)
	}
	if d > float64(e.policy.MaxBackoff) {
		d = float64(e.policy.MaxBackoff)
	}
	return time.Duration(d)
}
