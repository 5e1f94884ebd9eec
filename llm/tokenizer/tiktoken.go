package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gitcommitshow/resilient-llm/types"
)

// TiktokenTokenizer adapts tiktoken for OpenAI-family models.
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTiktokenTokenizer creates a tiktoken-based tokenizer for the given model.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{model: model, encoding: encoding}
}

// init lazily initializes the tiktoken encoding (may download data on first use).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []types.Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		// Per-message overhead: <|start|>role\n content <|end|>\n
		total += messageOverhead
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(string(msg.Role), nil, nil))
	}
	return total, nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterOpenAITokenizers registers tiktoken tokenizers for all known
// OpenAI models so estimates for them become exact.
func RegisterOpenAITokenizers() {
	for model := range modelEncodings {
		Register(model, NewTiktokenTokenizer(model))
	}
}
