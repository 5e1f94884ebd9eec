package llm

import (
	"fmt"
	"strings"

	"github.com/gitcommitshow/resilient-llm/types"
)

// anthropicDefaultMaxTokens is used when the caller does not set MaxTokens;
// the Anthropic messages API requires the field.
const anthropicDefaultMaxTokens = 4096

// buildRequestBody shapes the provider request body for the configured
// message dialect. The caller's history is never mutated.
func buildRequestBody(cfg *ProviderConfig, model string, history []types.Message, opts *ChatOptions) (map[string]any, error) {
	switch cfg.Chat.MessageFormat {
	case FormatAnthropic:
		return buildAnthropicBody(cfg, model, history, opts), nil
	case FormatOllama:
		return buildOllamaBody(model, history), nil
	case FormatOpenAI, "":
		return buildOpenAIBody(cfg, model, history, opts), nil
	default:
		return nil, types.NewError(types.KindConfig,
			fmt.Sprintf("unknown message format %q", cfg.Chat.MessageFormat)).
			WithProvider(cfg.Name, model)
	}
}

// buildOpenAIBody keeps system messages inline in the messages array.
func buildOpenAIBody(cfg *ProviderConfig, model string, history []types.Message, opts *ChatOptions) map[string]any {
	messages := make([]map[string]any, 0, len(history))
	for _, m := range history {
		msg := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		messages = append(messages, msg)
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	applySampling(body, opts)
	if opts.ResponseFormat != nil {
		body["response_format"] = map[string]any{"type": opts.ResponseFormat.Type}
	}
	if len(opts.Tools) > 0 {
		body["tools"] = buildTools(cfg.Chat.ToolSchemaType, opts.Tools)
		if opts.ToolChoice != "" {
			body["tool_choice"] = opts.ToolChoice
		}
	}
	return body
}

// buildAnthropicBody extracts the first system message's content into the
// top-level system field. Remaining non-system messages are sent as the
// messages list; tool results become tool_result content blocks.
func buildAnthropicBody(cfg *ProviderConfig, model string, history []types.Message, opts *ChatOptions) map[string]any {
	var system string
	systemSeen := false
	messages := make([]map[string]any, 0, len(history))

	for _, m := range history {
		if m.Role == types.RoleSystem {
			if !systemSeen {
				system = m.Content
				systemSeen = true
			}
			continue
		}
		if m.Role == types.RoleTool {
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
			continue
		}
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	body := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if systemSeen && system != "" {
		body["system"] = system
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if len(opts.Tools) > 0 {
		body["tools"] = buildTools(cfg.Chat.ToolSchemaType, opts.Tools)
		if opts.ToolChoice != "" {
			body["tool_choice"] = map[string]any{"type": opts.ToolChoice}
		}
	}
	return body
}

// buildOllamaBody flattens the conversation into a single prompt for the
// /api/generate endpoint.
func buildOllamaBody(model string, history []types.Message) map[string]any {
	var sb strings.Builder
	for i, m := range history {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return map[string]any{
		"model":  model,
		"prompt": sb.String(),
		"stream": false,
	}
}

// buildTools translates tool schemas into the provider's envelope: the
// OpenAI function wrapper with "parameters", or Anthropic's flat shape
// with "input_schema".
func buildTools(schemaType ToolSchemaType, tools []types.ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if schemaType == ToolSchemaAnthropic {
			entry := map[string]any{
				"name":         t.Name,
				"input_schema": t.Parameters,
			}
			if t.Description != "" {
				entry["description"] = t.Description
			}
			out = append(out, entry)
			continue
		}
		fn := map[string]any{
			"name":       t.Name,
			"parameters": t.Parameters,
		}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		out = append(out, map[string]any{
			"type":     "function",
			"function": fn,
		})
	}
	return out
}

// applySampling copies the shared sampling knobs into an OpenAI-style body.
func applySampling(body map[string]any, opts *ChatOptions) {
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
}
