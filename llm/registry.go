package llm

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/types"
)

// Registry holds provider configurations, their API keys (in a separate
// SecretStore), and a lazily populated model catalog. Lookups are keyed by
// normalized provider name: lowercase, whitespace-stripped. All returned
// configs are deep copies and never contain key material.
type Registry struct {
	logger    *zap.Logger
	transport *Transport

	mu      sync.Mutex
	configs map[string]*ProviderConfig
	secrets *SecretStore

	cacheMu    sync.Mutex
	modelCache map[string]map[string]types.Model
	modelOrder map[string][]string
}

// NewRegistry creates a registry seeded with the shipped provider defaults.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger,
		transport:  NewTransport(logger),
		configs:    defaultConfigs(),
		secrets:    NewSecretStore(),
		modelCache: make(map[string]map[string]types.Model),
		modelOrder: make(map[string][]string),
	}
}

// Process-wide default registry for ergonomic use; libraries embedding the
// runtime should prefer an explicit Registry.
var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, creating it on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(zap.NewNop())
	})
	return defaultRegistry
}

// Configure merges a partial config over the existing (or default-empty)
// config for name. An APIKey in the partial is moved to the SecretStore and
// never stored on the config. Configuring a provider invalidates its model
// cache. The returned config is a copy without secrets.
func (r *Registry) Configure(name string, partial Partial) (*ProviderConfig, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, types.NewError(types.KindConfig, "provider name is empty")
	}

	r.mu.Lock()
	base, ok := r.configs[key]
	if !ok {
		base = &ProviderConfig{Name: key, Active: true}
	}
	if partial.APIKey != nil {
		r.secrets.Set(key, strings.TrimSpace(*partial.APIKey))
		partial.APIKey = nil
	}
	merged := mergeConfig(base, partial)
	merged.Name = key
	r.configs[key] = merged
	out := merged.Clone()
	r.mu.Unlock()

	r.ClearCache(key)
	r.logger.Debug("provider configured", zap.String("provider", key))
	return out, nil
}

// Get returns a deep copy of the named provider's config.
func (r *Registry) Get(name string) (*ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[normalizeName(name)]
	if !ok {
		return nil, types.NewError(types.KindConfig, fmt.Sprintf("unknown provider %q", name))
	}
	return cfg.Clone(), nil
}

// ListOptions filters List results.
type ListOptions struct {
	// Active, when set, keeps only providers whose Active flag matches.
	Active *bool
}

// List returns copies of all configs, optionally filtered.
func (r *Registry) List(opts *ListOptions) []*ProviderConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProviderConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		if opts != nil && opts.Active != nil && cfg.Active != *opts.Active {
			continue
		}
		out = append(out, cfg.Clone())
	}
	return out
}

// HasAPIKey reports whether a key is available for the provider, either in
// the SecretStore or via one of its listed environment variables.
func (r *Registry) HasAPIKey(name string) bool {
	key, _, err := r.resolveKey(name, "")
	return err == nil && key != ""
}

// resolveKey resolves the effective API key for a provider: an explicit
// key wins, then the SecretStore, then the configured environment variables
// in listed order. It also returns the provider config used.
func (r *Registry) resolveKey(name, explicit string) (string, *ProviderConfig, error) {
	cfg, err := r.Get(name)
	if err != nil {
		return "", nil, err
	}
	if k := strings.TrimSpace(explicit); k != "" {
		return k, cfg, nil
	}
	if k, ok := r.secrets.Get(name); ok {
		return k, cfg, nil
	}
	for _, env := range cfg.EnvVarNames {
		if k := strings.TrimSpace(os.Getenv(env)); k != "" {
			return k, cfg, nil
		}
	}
	return "", cfg, nil
}

// SetAPIKey stores a key for the provider in the SecretStore.
func (r *Registry) SetAPIKey(name, key string) {
	r.secrets.Set(name, strings.TrimSpace(key))
}

// BuildAuthHeaders composes the request headers for a provider: the given
// defaults, then the provider's custom headers, then the auth header when
// the auth scheme is header-based. Query-type auth adds no header. A
// missing key is an error unless the provider's auth is optional.
func (r *Registry) BuildAuthHeaders(name, apiKey string, defaults map[string]string) (map[string]string, error) {
	key, cfg, err := r.resolveKey(name, apiKey)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(defaults)+len(cfg.CustomHeaders)+1)
	for k, v := range defaults {
		headers[k] = v
	}
	for k, v := range cfg.CustomHeaders {
		headers[k] = v
	}

	if key == "" {
		if cfg.Auth.Optional {
			return headers, nil
		}
		return nil, types.NewError(types.KindAuth,
			fmt.Sprintf("no API key for provider %q (set one of %v)", cfg.Name, cfg.EnvVarNames)).
			WithProvider(cfg.Name, "")
	}

	if cfg.Auth.Type == AuthHeader && cfg.Auth.HeaderName != "" {
		format := cfg.Auth.HeaderFormat
		if format == "" {
			format = "{key}"
		}
		headers[cfg.Auth.HeaderName] = strings.ReplaceAll(format, "{key}", key)
	}
	return headers, nil
}

// BuildAPIURL returns the request URL for a provider, appending the API key
// as a query parameter when the auth scheme is query-based.
func (r *Registry) BuildAPIURL(name, rawURL, apiKey string) (string, error) {
	key, cfg, err := r.resolveKey(name, apiKey)
	if err != nil {
		return "", err
	}
	if cfg.Auth.Type != AuthQuery || cfg.Auth.QueryParam == "" {
		return rawURL, nil
	}
	if key == "" {
		if cfg.Auth.Optional {
			return rawURL, nil
		}
		return "", types.NewError(types.KindAuth,
			fmt.Sprintf("no API key for provider %q (set one of %v)", cfg.Name, cfg.EnvVarNames)).
			WithProvider(cfg.Name, "")
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + cfg.Auth.QueryParam + "=" + url.QueryEscape(key), nil
}

// Reset restores the shipped defaults and drops all secrets and cached
// models (test helper).
func (r *Registry) Reset() {
	r.mu.Lock()
	r.configs = defaultConfigs()
	r.secrets.Clear()
	r.mu.Unlock()
	r.ClearCache("")
}
