package provider

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/missionlink/internal/backend"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// Registry manages the available backends and resolves model strings.
type Registry struct {
	mu           sync.RWMutex
	backends     map[string]backend.Backend
	defaultModel string
}

// NewRegistry creates a registry. defaultModel ("provider/model") is used
// for requests that name no model.
func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		backends:     make(map[string]backend.Backend),
		defaultModel: defaultModel,
	}
}

// Register adds a backend under its name.
func (r *Registry) Register(b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get retrieves a backend by provider id.
func (r *Registry) Get(providerID string) (backend.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[providerID]
	return b, ok
}

// List returns the registered provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetDefaultModel changes the model used when a request names none.
func (r *Registry) SetDefaultModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// Resolve maps a "provider/model" string to a backend and the model id to
// request. An empty string selects the default model; a bare model id or a
// bare provider id falls back to the preferred provider or its default model.
func (r *Registry) Resolve(modelString string) (backend.Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if modelString == "" {
		modelString = r.defaultModel
	}
	providerID, modelID := ParseModelString(modelString)

	if providerID == "" {
		if b, ok := r.backends[modelID]; ok {
			return b, defaultModelOf(b), nil
		}
		providerID = r.preferred()
	}

	b, ok := r.backends[providerID]
	if !ok {
		return nil, "", backend.NotFoundError(modelString)
	}
	if modelID == "" {
		modelID = defaultModelOf(b)
	}
	return b, modelID, nil
}

// preferred returns the first registered provider in priority order.
func (r *Registry) preferred() string {
	for _, id := range []string{"anthropic", "openai", "ark", "local"} {
		if _, ok := r.backends[id]; ok {
			return id
		}
	}
	for id := range r.backends {
		return id
	}
	return ""
}

func defaultModelOf(b backend.Backend) string {
	if d, ok := b.(interface{ DefaultModel() string }); ok {
		return d.DefaultModel()
	}
	return ""
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// InitializeBackends creates and registers all backends enabled in config.
// The "local" provider is the offline echo backend; every other entry is a
// hosted service. Hosted providers need an API key unless they are
// OpenAI-compatible servers named by base URL. Providers that fail to
// initialize are logged and skipped.
func InitializeBackends(ctx context.Context, config *types.Config) (*Registry, error) {
	registry := NewRegistry(config.Model)

	for _, id := range slices.Sorted(maps.Keys(config.Provider)) {
		cfg := config.Provider[id]
		if cfg.Disable {
			continue
		}
		if id == "local" {
			var delay time.Duration
			if v, ok := cfg.Options["delayMs"].(float64); ok {
				delay = time.Duration(v) * time.Millisecond
			}
			registry.Register(NewLocalBackend(delay))
			continue
		}
		if _, known := hostedProviders[id]; known && cfg.APIKey == "" {
			continue
		}
		b, err := NewHostedBackend(ctx, id, BackendConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: config.Execution.MaxTokens,
		})
		register(registry, id, b, err)
	}

	if len(registry.List()) == 0 {
		logging.Warn().Msg("No execution backends configured")
	}
	return registry, nil
}

func register(registry *Registry, id string, b *ChatBackend, err error) {
	if err != nil {
		logging.Warn().Str("provider", id).Err(err).Msg("Provider not available")
		return
	}
	registry.Register(b)
	logging.Info().Str("provider", id).Str("model", b.DefaultModel()).Msg("Provider registered")
}

var _ backend.Resolver = (*Registry)(nil)
