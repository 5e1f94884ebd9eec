package llm

import (
	"time"

	"github.com/gitcommitshow/resilient-llm/llm/circuitbreaker"
	"github.com/gitcommitshow/resilient-llm/llm/ratelimit"
	"github.com/gitcommitshow/resilient-llm/types"
)

// ChatOptions tunes a single Chat call. Zero/nil fields inherit the
// runtime's defaults; pointer fields exist where zero is a meaningful
// override (Retries, Temperature, MaxConcurrent).
type ChatOptions struct {
	// AIService selects the provider by registry name.
	AIService string

	// Model overrides the provider's default model.
	Model string

	// APIKey overrides registry/env key resolution for this call only.
	APIKey string

	// Sampling and output controls, passed through to the provider body.
	MaxTokens   int
	Temperature *float64
	TopP        *float64

	// ResponseFormat requests structured output from providers that
	// support it.
	ResponseFormat *types.ResponseFormat

	// Tools and ToolChoice pass tool schemas through in the provider's
	// tool dialect.
	Tools      []types.ToolSchema
	ToolChoice string

	// RateLimit replaces the limiter parameters for this call. Calls with
	// equal parameters share limiter state.
	RateLimit *ratelimit.Config

	// CircuitBreaker tunes the breaker for this call's endpoint. Only the
	// first configuration of an endpoint takes effect.
	CircuitBreaker *circuitbreaker.Config

	// Retry pipeline tuning.
	Retries        *int
	BackoffFactor  float64
	InitialBackoff time.Duration

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// MaxConcurrent replaces the concurrency bound for this call. Calls
	// with an equal bound share the same gate.
	MaxConcurrent *int
}
