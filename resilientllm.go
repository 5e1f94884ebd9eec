// Package resilientllm provides a top-level convenience entry point for
// chatting with LLM providers through the resilience pipeline with minimal
// boilerplate.
//
// Usage:
//
//	import (
//		"github.com/gitcommitshow/resilient-llm"
//		"github.com/gitcommitshow/resilient-llm/llm"
//		"github.com/gitcommitshow/resilient-llm/types"
//	)
//
//	reply, err := resilientllm.Chat(ctx,
//		[]types.Message{types.NewUserMessage("hi")},
//		&llm.ChatOptions{AIService: "openai", Model: "gpt-4o-mini"},
//	)
//
// This is a thin wrapper around a lazily created [llm.Runtime] with default
// configuration. Construct a Runtime directly for custom tuning.
package resilientllm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/llm"
	"github.com/gitcommitshow/resilient-llm/types"
)

var (
	defaultRuntime     *llm.Runtime
	defaultRuntimeOnce sync.Once
)

// Default returns the process-wide runtime, creating it on first use with
// default configuration and the process-wide provider registry.
func Default() *llm.Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = llm.NewRuntime(nil, zap.NewNop())
	})
	return defaultRuntime
}

// Chat sends a conversation through the default runtime.
func Chat(ctx context.Context, history []types.Message, opts *llm.ChatOptions) (string, error) {
	return Default().Chat(ctx, history, opts)
}

// Configure updates a provider's configuration in the process-wide registry.
func Configure(name string, partial llm.Partial) (*llm.ProviderConfig, error) {
	return llm.DefaultRegistry().Configure(name, partial)
}

// GetModels lists a provider's model catalog via the process-wide registry.
func GetModels(ctx context.Context, provider string) []types.Model {
	return llm.DefaultRegistry().GetModels(ctx, provider, "")
}
