package tokenizer

import (
	"github.com/gitcommitshow/resilient-llm/types"
)

// messageOverhead approximates the framing tokens each message adds
// (role marker plus separators).
const messageOverhead = 4

// Estimator is a character-count-based token estimator. It assumes roughly
// four bytes of content per token, rounded up, plus a fixed per-message
// overhead. The estimate is deterministic and never negative; it exists for
// admission control, not billing.
type Estimator struct {
	bytesPerToken int
}

// NewEstimator creates an estimator with the default 4-bytes-per-token ratio.
func NewEstimator() *Estimator {
	return &Estimator{bytesPerToken: 4}
}

// WithBytesPerToken overrides the bytes-per-token ratio.
func (e *Estimator) WithBytesPerToken(n int) *Estimator {
	if n > 0 {
		e.bytesPerToken = n
	}
	return e
}

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return (len(text) + e.bytesPerToken - 1) / e.bytesPerToken, nil
}

func (e *Estimator) CountMessages(messages []types.Message) (int, error) {
	total := 0
	for _, msg := range messages {
		tokens, err := e.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		total += tokens + messageOverhead
	}
	return total, nil
}

func (e *Estimator) Name() string {
	return "estimator"
}
