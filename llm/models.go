package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/types"
)

// modelsFetchTimeout bounds a model-catalog GET.
const modelsFetchTimeout = 30 * time.Second

// GetModels returns the provider's model catalog, cache-first. On a miss it
// fetches the models API with composed auth and parses the response per the
// provider's ParseConfig. Fetch and parse failures are logged and yield an
// empty list; this boundary never returns an error for upstream trouble.
func (r *Registry) GetModels(ctx context.Context, name, apiKey string) []types.Model {
	key := normalizeName(name)

	if models, ok := r.cachedModels(key); ok {
		return models
	}

	cfg, err := r.Get(key)
	if err != nil {
		r.logger.Warn("model catalog: unknown provider", zap.String("provider", name))
		return nil
	}
	if cfg.ModelsAPIURL == "" {
		r.logger.Warn("model catalog: no models API configured", zap.String("provider", key))
		return nil
	}

	fetched, err := r.fetchModels(ctx, cfg, apiKey)
	if err != nil {
		r.logger.Warn("model catalog fetch failed",
			zap.String("provider", key),
			zap.Error(err),
		)
		return nil
	}

	r.cacheMu.Lock()
	byID := make(map[string]types.Model, len(fetched))
	order := make([]string, 0, len(fetched))
	for _, m := range fetched {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = m
		order = append(order, m.ID)
	}
	r.modelCache[key] = byID
	r.modelOrder[key] = order
	r.cacheMu.Unlock()

	return fetched
}

// GetModel returns one model from the provider's catalog, fetching the
// catalog if needed.
func (r *Registry) GetModel(ctx context.Context, name, modelID, apiKey string) (types.Model, bool) {
	key := normalizeName(name)
	r.GetModels(ctx, key, apiKey)

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	m, ok := r.modelCache[key][modelID]
	return m, ok
}

// SaveModel inserts or replaces a model in the provider's cached catalog.
func (r *Registry) SaveModel(name string, model types.Model) {
	key := normalizeName(name)
	model.Provider = key

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.modelCache[key] == nil {
		r.modelCache[key] = make(map[string]types.Model)
	}
	if _, exists := r.modelCache[key][model.ID]; !exists {
		r.modelOrder[key] = append(r.modelOrder[key], model.ID)
	}
	r.modelCache[key][model.ID] = model
}

// ClearCache drops the cached catalog for one provider, or for all
// providers when name is empty.
func (r *Registry) ClearCache(name string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if name == "" {
		r.modelCache = make(map[string]map[string]types.Model)
		r.modelOrder = make(map[string][]string)
		return
	}
	key := normalizeName(name)
	delete(r.modelCache, key)
	delete(r.modelOrder, key)
}

// cachedModels returns the cached catalog in fetch order.
func (r *Registry) cachedModels(key string) ([]types.Model, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	byID, ok := r.modelCache[key]
	if !ok {
		return nil, false
	}
	out := make([]types.Model, 0, len(byID))
	for _, id := range r.modelOrder[key] {
		out = append(out, byID[id])
	}
	return out, true
}

// fetchModels GETs and parses the provider's models API.
func (r *Registry) fetchModels(ctx context.Context, cfg *ProviderConfig, apiKey string) ([]types.Model, error) {
	headers, err := r.BuildAuthHeaders(cfg.Name, apiKey, nil)
	if err != nil {
		return nil, err
	}
	reqURL, err := r.BuildAPIURL(cfg.Name, cfg.ModelsAPIURL, apiKey)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, modelsFetchTimeout)
	defer cancel()

	res, err := r.transport.GetJSON(fetchCtx, reqURL, headers)
	if err != nil {
		return nil, classifyTransportError(ctx, cfg.Name, "", err)
	}
	if res.Status >= 400 {
		return nil, classifyHTTPStatus(cfg.Name, "", res)
	}

	return parseModelList(cfg, res.Body)
}

// parseModelList extracts the model catalog from a models-API response body
// per the provider's ParseConfig.
func parseModelList(cfg *ProviderConfig, body []byte) ([]types.Model, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, types.NewError(types.KindUpstream, "models response is not JSON").
			WithProvider(cfg.Name, "").
			WithCause(err)
	}

	listPath := cfg.Parse.ModelsPath
	if listPath == "" {
		listPath = "data"
	}
	raw, err := resolvePath(doc, listPath)
	if err != nil {
		return nil, types.NewError(types.KindUpstream, "model list not found in response").
			WithProvider(cfg.Name, "").
			WithCause(err)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, types.NewError(types.KindUpstream, "model list is not an array").
			WithProvider(cfg.Name, "")
	}

	idField := cfg.Parse.IDField
	if idField == "" {
		idField = "id"
	}

	models := make([]types.Model, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry[idField].(string)
		if id == "" {
			continue
		}
		id = strings.TrimPrefix(id, cfg.Parse.IDPrefix)

		m := types.Model{ID: id, Provider: cfg.Name, Name: id}
		if cfg.Parse.NameField != "" {
			if v, ok := entry[cfg.Parse.NameField].(string); ok && v != "" {
				m.Name = strings.TrimPrefix(v, cfg.Parse.IDPrefix)
			}
		}
		if cfg.Parse.DisplayNameField != "" {
			if v, ok := entry[cfg.Parse.DisplayNameField].(string); ok && v != "" {
				m.Name = v
			}
		}
		if cfg.Parse.ContextWindowField != "" {
			if v, ok := entry[cfg.Parse.ContextWindowField].(float64); ok {
				m.ContextWindow = int(v)
			}
		}
		if rawItem, err := json.Marshal(entry); err == nil {
			m.Raw = rawItem
		}
		models = append(models, m)
	}
	return models, nil
}
