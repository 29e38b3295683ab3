package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// BackendConfig configures a hosted chat model backend. Empty fields fall
// back to the provider's environment variables and defaults.
type BackendConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

type chatModelFactory func(ctx context.Context, apiKey, baseURL, modelID string, maxTokens int) (model.BaseChatModel, error)

// hostedProvider describes how one hosted service is reached.
type hostedProvider struct {
	keyEnv     string
	modelEnv   string
	baseURLEnv string
	model      string
	maxTokens  int
	keyless    bool
	newModel   chatModelFactory
}

var hostedProviders = map[string]hostedProvider{
	"anthropic": {
		keyEnv:    "ANTHROPIC_API_KEY",
		model:     "claude-sonnet-4-20250514",
		maxTokens: 8192,
		newModel:  newClaudeModel,
	},
	"openai": {
		keyEnv:    "OPENAI_API_KEY",
		model:     "gpt-4o",
		maxTokens: 4096,
		newModel:  newOpenAIModel,
	},
	"ark": {
		keyEnv:     "ARK_API_KEY",
		modelEnv:   "ARK_MODEL_ID", // endpoint id on the ARK platform
		baseURLEnv: "ARK_BASE_URL",
		maxTokens:  4096,
		newModel:   newArkModel,
	},
}

// openAICompatible serves any other provider id that names a base URL,
// such as a local ollama or vLLM server.
var openAICompatible = hostedProvider{
	maxTokens: 4096,
	keyless:   true,
	newModel:  newOpenAIModel,
}

// NewHostedBackend creates the backend for provider id. Known ids are
// anthropic, openai and ark; any other id is treated as an OpenAI-compatible
// server and needs a BaseURL.
func NewHostedBackend(ctx context.Context, id string, cfg BackendConfig) (*ChatBackend, error) {
	p, known := hostedProviders[id]
	if !known {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: baseURL required for an OpenAI-compatible server", id)
		}
		p = openAICompatible
	}

	apiKey := firstNonEmpty(cfg.APIKey, env(p.keyEnv))
	if apiKey == "" && !p.keyless {
		return nil, fmt.Errorf("%s not set", p.keyEnv)
	}
	modelID := firstNonEmpty(cfg.Model, env(p.modelEnv), p.model)
	if modelID == "" {
		return nil, fmt.Errorf("provider %s: no model configured", id)
	}
	baseURL := firstNonEmpty(cfg.BaseURL, env(p.baseURLEnv))
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatModel, err := p.newModel(ctx, apiKey, baseURL, modelID, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("provider %s: create model: %w", id, err)
	}
	return NewChatBackend(id, chatModel, modelID, maxTokens), nil
}

func newClaudeModel(ctx context.Context, apiKey, baseURL, modelID string, maxTokens int) (model.BaseChatModel, error) {
	cfg := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	if baseURL != "" {
		cfg.BaseURL = &baseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func newOpenAIModel(ctx context.Context, apiKey, baseURL, modelID string, maxTokens int) (model.BaseChatModel, error) {
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:              apiKey,
		BaseURL:             baseURL,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	})
}

func newArkModel(ctx context.Context, apiKey, baseURL, modelID string, maxTokens int) (model.BaseChatModel, error) {
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:    apiKey,
		BaseURL:   baseURL,
		Model:     modelID,
		MaxTokens: &maxTokens,
	})
}

func env(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
