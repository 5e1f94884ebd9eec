// Package ratelimit provides dual-bucket admission control for outbound LLM
// traffic: one token bucket for requests per minute and one for estimated
// LLM tokens per minute. Both refill continuously.
package ratelimit

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTokensExceedCapacity is returned when a request's estimated token count
// exceeds the per-minute token capacity: such a request can never be
// admitted, so the limiter fails it immediately instead of waiting.
var ErrTokensExceedCapacity = errors.New("estimated tokens exceed per-minute capacity")

// Config holds the per-minute limits. Zero or negative values disable the
// corresponding bucket.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"llm_tokens_per_minute" yaml:"llm_tokens_per_minute"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerMinute: 60,
		TokensPerMinute:   60000,
	}
}

// Limiter admits a request only when both buckets have capacity: one request
// slot and the request's estimated token count. Capacity is charged at
// admission and never refunded, even if the request later fails or is
// cancelled; this conservative policy keeps the per-minute invariants
// unconditional.
type Limiter struct {
	cfg      Config
	requests *rate.Limiter
	tokens   *rate.Limiter
	logger   *zap.Logger
}

// NewLimiter creates a limiter for the given config.
func NewLimiter(cfg *Config, logger *zap.Logger) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:      *cfg,
		requests: newBucket(cfg.RequestsPerMinute),
		tokens:   newBucket(cfg.TokensPerMinute),
		logger:   logger,
	}
}

// newBucket builds a bucket with burst equal to the per-minute capacity and
// a continuous refill rate of capacity/60 per second.
func newBucket(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Acquire blocks until one request slot and estimatedTokens tokens are
// available, or until ctx is done. Admission is not FIFO across concurrent
// callers; the only guarantee is that throughput averaged over any full
// minute stays within the configured limits.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	if l.cfg.TokensPerMinute > 0 && estimatedTokens > l.cfg.TokensPerMinute {
		return ErrTokensExceedCapacity
	}
	if err := l.requests.Wait(ctx); err != nil {
		return err
	}
	// The request slot above is already spent. Cancellation while waiting
	// for tokens does not refund it.
	if estimatedTokens > 0 && l.cfg.TokensPerMinute > 0 {
		if err := l.tokens.WaitN(ctx, estimatedTokens); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the limits this limiter was built with.
func (l *Limiter) Config() Config { return l.cfg }
