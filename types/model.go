package types

import "encoding/json"

// Model is one entry of a provider's model catalog.
type Model struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Name          string          `json:"name,omitempty"`
	ContextWindow int             `json:"context_window,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}
