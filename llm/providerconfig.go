package llm

import (
	"os"
	"strings"
)

// AuthType selects how an API key is attached to requests.
type AuthType string

const (
	// AuthHeader sends the key in a request header, formatted per
	// AuthConfig.HeaderFormat.
	AuthHeader AuthType = "header"
	// AuthQuery appends the key as a URL query parameter.
	AuthQuery AuthType = "query"
)

// AuthConfig describes a provider's authentication scheme.
type AuthConfig struct {
	Type AuthType `json:"type" yaml:"type"`

	// HeaderName and HeaderFormat apply to AuthHeader. HeaderFormat must
	// contain the "{key}" placeholder (e.g. "Bearer {key}").
	HeaderName   string `json:"header_name,omitempty" yaml:"header_name,omitempty"`
	HeaderFormat string `json:"header_format,omitempty" yaml:"header_format,omitempty"`

	// QueryParam applies to AuthQuery (e.g. "key" for Google).
	QueryParam string `json:"query_param,omitempty" yaml:"query_param,omitempty"`

	// Optional permits anonymous use when no key resolves (Ollama).
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ParseConfig describes how to extract a model catalog from a provider's
// models-API JSON response.
type ParseConfig struct {
	// ModelsPath locates the model list within the response document.
	ModelsPath string `json:"models_path" yaml:"models_path"`

	IDField            string `json:"id_field" yaml:"id_field"`
	NameField          string `json:"name_field,omitempty" yaml:"name_field,omitempty"`
	DisplayNameField   string `json:"display_name_field,omitempty" yaml:"display_name_field,omitempty"`
	ContextWindowField string `json:"context_window_field,omitempty" yaml:"context_window_field,omitempty"`

	// IDPrefix is stripped from model ids (Google returns "models/…").
	IDPrefix string `json:"id_prefix,omitempty" yaml:"id_prefix,omitempty"`
}

// MessageFormat selects the request-body dialect.
type MessageFormat string

const (
	// FormatOpenAI keeps system messages inline in the messages array.
	FormatOpenAI MessageFormat = "openai"
	// FormatAnthropic extracts the first system message into a top-level
	// system field.
	FormatAnthropic MessageFormat = "anthropic"
	// FormatOllama flattens the conversation into a single prompt string
	// for the /api/generate endpoint.
	FormatOllama MessageFormat = "ollama"
)

// ToolSchemaType selects the tool-schema envelope.
type ToolSchemaType string

const (
	// ToolSchemaOpenAI nests the JSON schema under "parameters" in a
	// function wrapper.
	ToolSchemaOpenAI ToolSchemaType = "openai"
	// ToolSchemaAnthropic places the JSON schema under "input_schema".
	ToolSchemaAnthropic ToolSchemaType = "anthropic"
)

// ChatConfig describes how chat requests and responses are shaped.
type ChatConfig struct {
	MessageFormat     MessageFormat  `json:"message_format" yaml:"message_format"`
	ResponseParsePath string         `json:"response_parse_path" yaml:"response_parse_path"`
	ToolSchemaType    ToolSchemaType `json:"tool_schema_type,omitempty" yaml:"tool_schema_type,omitempty"`
}

// ProviderConfig is the full configuration for one provider. Configs never
// carry API keys; keys live in the registry's SecretStore.
type ProviderConfig struct {
	Name         string `json:"name" yaml:"name"`
	ChatAPIURL   string `json:"chat_api_url" yaml:"chat_api_url"`
	ModelsAPIURL string `json:"models_api_url,omitempty" yaml:"models_api_url,omitempty"`

	// EnvVarNames is the ordered list of environment variables searched
	// for an API key.
	EnvVarNames []string `json:"env_var_names,omitempty" yaml:"env_var_names,omitempty"`

	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`

	// CustomHeaders are literal headers added to every request
	// (e.g. anthropic-version).
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers,omitempty"`

	Auth   AuthConfig  `json:"auth" yaml:"auth"`
	Parse  ParseConfig `json:"parse" yaml:"parse"`
	Chat   ChatConfig  `json:"chat" yaml:"chat"`
	Active bool        `json:"active" yaml:"active"`
}

// Clone returns a deep copy.
func (c *ProviderConfig) Clone() *ProviderConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.EnvVarNames != nil {
		out.EnvVarNames = append([]string(nil), c.EnvVarNames...)
	}
	if c.CustomHeaders != nil {
		out.CustomHeaders = make(map[string]string, len(c.CustomHeaders))
		for k, v := range c.CustomHeaders {
			out.CustomHeaders[k] = v
		}
	}
	return &out
}

// Partial is a partial provider configuration. Nil fields mean "inherit
// from the existing config"; CustomHeaders and the sub-configs are
// deep-merged field by field.
type Partial struct {
	// BaseURL derives ChatAPIURL and ModelsAPIURL by provider family when
	// those are not set explicitly.
	BaseURL *string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	ChatAPIURL   *string `json:"chat_api_url,omitempty" yaml:"chat_api_url,omitempty"`
	ModelsAPIURL *string `json:"models_api_url,omitempty" yaml:"models_api_url,omitempty"`

	// APIKey is routed to the registry's SecretStore and never stored on
	// the resulting config.
	APIKey *string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	EnvVarNames   []string          `json:"env_var_names,omitempty" yaml:"env_var_names,omitempty"`
	DefaultModel  *string           `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers,omitempty"`

	Auth   *PartialAuth  `json:"auth,omitempty" yaml:"auth,omitempty"`
	Parse  *PartialParse `json:"parse,omitempty" yaml:"parse,omitempty"`
	Chat   *PartialChat  `json:"chat,omitempty" yaml:"chat,omitempty"`
	Active *bool         `json:"active,omitempty" yaml:"active,omitempty"`
}

// PartialAuth mirrors AuthConfig with inherit-when-nil fields.
type PartialAuth struct {
	Type         *AuthType `json:"type,omitempty" yaml:"type,omitempty"`
	HeaderName   *string   `json:"header_name,omitempty" yaml:"header_name,omitempty"`
	HeaderFormat *string   `json:"header_format,omitempty" yaml:"header_format,omitempty"`
	QueryParam   *string   `json:"query_param,omitempty" yaml:"query_param,omitempty"`
	Optional     *bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// PartialParse mirrors ParseConfig with inherit-when-nil fields.
type PartialParse struct {
	ModelsPath         *string `json:"models_path,omitempty" yaml:"models_path,omitempty"`
	IDField            *string `json:"id_field,omitempty" yaml:"id_field,omitempty"`
	NameField          *string `json:"name_field,omitempty" yaml:"name_field,omitempty"`
	DisplayNameField   *string `json:"display_name_field,omitempty" yaml:"display_name_field,omitempty"`
	ContextWindowField *string `json:"context_window_field,omitempty" yaml:"context_window_field,omitempty"`
	IDPrefix           *string `json:"id_prefix,omitempty" yaml:"id_prefix,omitempty"`
}

// PartialChat mirrors ChatConfig with inherit-when-nil fields.
type PartialChat struct {
	MessageFormat     *MessageFormat  `json:"message_format,omitempty" yaml:"message_format,omitempty"`
	ResponseParsePath *string         `json:"response_parse_path,omitempty" yaml:"response_parse_path,omitempty"`
	ToolSchemaType    *ToolSchemaType `json:"tool_schema_type,omitempty" yaml:"tool_schema_type,omitempty"`
}

// mergeConfig applies a partial over a base config and returns the result.
// base is not modified. The merge is total: scalars are replaced when the
// partial field is set, CustomHeaders are merged key by key, and the three
// sub-configs merge field by field. The partial's APIKey is ignored here;
// the registry routes it to the SecretStore before merging.
func mergeConfig(base *ProviderConfig, p Partial) *ProviderConfig {
	out := base.Clone()

	if p.ChatAPIURL != nil {
		out.ChatAPIURL = *p.ChatAPIURL
	}
	if p.ModelsAPIURL != nil {
		out.ModelsAPIURL = *p.ModelsAPIURL
	}
	if p.EnvVarNames != nil {
		out.EnvVarNames = append([]string(nil), p.EnvVarNames...)
	}
	if p.DefaultModel != nil {
		out.DefaultModel = *p.DefaultModel
	}
	if p.CustomHeaders != nil {
		if out.CustomHeaders == nil {
			out.CustomHeaders = make(map[string]string, len(p.CustomHeaders))
		}
		for k, v := range p.CustomHeaders {
			out.CustomHeaders[k] = v
		}
	}
	if p.Auth != nil {
		if p.Auth.Type != nil {
			out.Auth.Type = *p.Auth.Type
		}
		if p.Auth.HeaderName != nil {
			out.Auth.HeaderName = *p.Auth.HeaderName
		}
		if p.Auth.HeaderFormat != nil {
			out.Auth.HeaderFormat = *p.Auth.HeaderFormat
		}
		if p.Auth.QueryParam != nil {
			out.Auth.QueryParam = *p.Auth.QueryParam
		}
		if p.Auth.Optional != nil {
			out.Auth.Optional = *p.Auth.Optional
		}
	}
	if p.Parse != nil {
		if p.Parse.ModelsPath != nil {
			out.Parse.ModelsPath = *p.Parse.ModelsPath
		}
		if p.Parse.IDField != nil {
			out.Parse.IDField = *p.Parse.IDField
		}
		if p.Parse.NameField != nil {
			out.Parse.NameField = *p.Parse.NameField
		}
		if p.Parse.DisplayNameField != nil {
			out.Parse.DisplayNameField = *p.Parse.DisplayNameField
		}
		if p.Parse.ContextWindowField != nil {
			out.Parse.ContextWindowField = *p.Parse.ContextWindowField
		}
		if p.Parse.IDPrefix != nil {
			out.Parse.IDPrefix = *p.Parse.IDPrefix
		}
	}
	if p.Chat != nil {
		if p.Chat.MessageFormat != nil {
			out.Chat.MessageFormat = *p.Chat.MessageFormat
		}
		if p.Chat.ResponseParsePath != nil {
			out.Chat.ResponseParsePath = *p.Chat.ResponseParsePath
		}
		if p.Chat.ToolSchemaType != nil {
			out.Chat.ToolSchemaType = *p.Chat.ToolSchemaType
		}
	}
	if p.Active != nil {
		out.Active = *p.Active
	}

	// BaseURL is a convenience: it only fills endpoint fields that are
	// still empty after the explicit merge above.
	if p.BaseURL != nil {
		root := strings.TrimRight(*p.BaseURL, "/")
		chatPath, modelsPath := "/v1/chat/completions", "/v1/models"
		if out.Chat.MessageFormat == FormatOllama || normalizeName(out.Name) == "ollama" {
			chatPath, modelsPath = "/api/generate", "/api/tags"
		}
		if out.ChatAPIURL == "" {
			out.ChatAPIURL = root + chatPath
		}
		if out.ModelsAPIURL == "" {
			out.ModelsAPIURL = root + modelsPath
		}
	}

	return out
}

// normalizeName canonicalizes a provider name for lookup: lowercase with
// surrounding whitespace stripped.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// defaultConfigs builds the shipped provider configurations.
func defaultConfigs() map[string]*ProviderConfig {
	ollamaBase := strings.TrimRight(os.Getenv("OLLAMA_API_URL"), "/")
	if ollamaBase == "" {
		ollamaBase = "http://localhost:11434"
	}

	return map[string]*ProviderConfig{
		"openai": {
			Name:         "openai",
			ChatAPIURL:   "https://api.openai.com/v1/chat/completions",
			ModelsAPIURL: "https://api.openai.com/v1/models",
			EnvVarNames:  []string{"OPENAI_API_KEY"},
			DefaultModel: "gpt-4o-mini",
			Auth: AuthConfig{
				Type:         AuthHeader,
				HeaderName:   "Authorization",
				HeaderFormat: "Bearer {key}",
			},
			Parse: ParseConfig{
				ModelsPath: "data",
				IDField:    "id",
			},
			Chat: ChatConfig{
				MessageFormat:     FormatOpenAI,
				ResponseParsePath: "choices[0].message.content",
				ToolSchemaType:    ToolSchemaOpenAI,
			},
			Active: true,
		},
		"anthropic": {
			Name:         "anthropic",
			ChatAPIURL:   "https://api.anthropic.com/v1/messages",
			ModelsAPIURL: "https://api.anthropic.com/v1/models",
			EnvVarNames:  []string{"ANTHROPIC_API_KEY"},
			DefaultModel: "claude-3-5-sonnet-20241022",
			CustomHeaders: map[string]string{
				"anthropic-version": "2023-06-01",
			},
			Auth: AuthConfig{
				Type:         AuthHeader,
				HeaderName:   "x-api-key",
				HeaderFormat: "{key}",
			},
			Parse: ParseConfig{
				ModelsPath:       "data",
				IDField:          "id",
				DisplayNameField: "display_name",
			},
			Chat: ChatConfig{
				MessageFormat:     FormatAnthropic,
				ResponseParsePath: "content[0].text",
				ToolSchemaType:    ToolSchemaAnthropic,
			},
			Active: true,
		},
		"google": {
			Name:         "google",
			ChatAPIURL:   "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
			ModelsAPIURL: "https://generativelanguage.googleapis.com/v1beta/models",
			EnvVarNames:  []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY"},
			DefaultModel: "gemini-2.0-flash",
			Auth: AuthConfig{
				Type:       AuthQuery,
				QueryParam: "key",
			},
			Parse: ParseConfig{
				ModelsPath:         "models",
				IDField:            "name",
				DisplayNameField:   "displayName",
				ContextWindowField: "inputTokenLimit",
				IDPrefix:           "models/",
			},
			Chat: ChatConfig{
				MessageFormat:     FormatOpenAI,
				ResponseParsePath: "choices[0].message.content",
				ToolSchemaType:    ToolSchemaOpenAI,
			},
			Active: true,
		},
		"ollama": {
			Name:         "ollama",
			ChatAPIURL:   ollamaBase + "/api/generate",
			ModelsAPIURL: ollamaBase + "/api/tags",
			EnvVarNames:  []string{"OLLAMA_API_KEY"},
			DefaultModel: "llama3",
			Auth: AuthConfig{
				Type:         AuthHeader,
				HeaderName:   "Authorization",
				HeaderFormat: "Bearer {key}",
				Optional:     true,
			},
			Parse: ParseConfig{
				ModelsPath: "models",
				IDField:    "name",
			},
			Chat: ChatConfig{
				MessageFormat:     FormatOllama,
				ResponseParsePath: "response",
			},
			Active: true,
		},
	}
}
