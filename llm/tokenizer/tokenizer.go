package tokenizer

import (
	"fmt"
	"sync"

	"github.com/gitcommitshow/resilient-llm/types"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text.
	CountTokens(text string) (int, error)

	// CountMessages returns the total token count for a message list,
	// including per-message overhead (role markers, separators, etc.).
	CountMessages(messages []types.Message) (int, error)

	// Name returns a human-readable tokenizer name.
	Name() string
}

// Global tokenizer registry, keyed by model name.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// Register registers a tokenizer for the given model name.
func Register(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// Get returns the tokenizer registered for the given model.
// It also attempts prefix matching (e.g. "gpt-4o" matches "gpt-4o-mini").
func Get(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}
	for prefix, t := range modelTokenizers {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetOrEstimator returns the registered tokenizer for the model, falling
// back to the generic estimator if none is registered.
func GetOrEstimator(model string) Tokenizer {
	t, err := Get(model)
	if err != nil {
		return NewEstimator()
	}
	return t
}
