package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/missionlink/internal/backend"
	"github.com/opencode-ai/missionlink/pkg/types"
)

// ChatBackend adapts an Eino chat model to backend.Backend.
type ChatBackend struct {
	id           string
	chatModel    model.BaseChatModel
	defaultModel string
	maxTokens    int
}

// NewChatBackend wraps chatModel under provider id.
func NewChatBackend(id string, chatModel model.BaseChatModel, defaultModel string, maxTokens int) *ChatBackend {
	return &ChatBackend{
		id:           id,
		chatModel:    chatModel,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

// Name returns the provider identifier.
func (b *ChatBackend) Name() string { return b.id }

// DefaultModel returns the model used when a request names none.
func (b *ChatBackend) DefaultModel() string { return b.defaultModel }

// OpenStream starts a streaming completion.
func (b *ChatBackend) OpenStream(ctx context.Context, req *backend.Request) (backend.Stream, error) {
	opts := []model.Option{}
	if req.Model != "" && req.Model != b.defaultModel {
		opts = append(opts, model.WithModel(req.Model))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(maxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*req.Temperature)))
	}
	if req.TopP != nil {
		opts = append(opts, model.WithTopP(float32(*req.TopP)))
	}

	reader, err := b.chatModel.Stream(ctx, ConvertToEinoMessages(req.SystemPrompt, req.Messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return NewStream(reader), nil
}

// ConvertToEinoMessages converts a conversation to Eino format, prepending
// the system prompt when set.
func ConvertToEinoMessages(systemPrompt string, messages []*types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, schema.SystemMessage(systemPrompt))
	}

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := schema.Assistant
		switch msg.Role {
		case types.RoleUser:
			role = schema.User
		case types.RoleSystem:
			role = schema.System
		}
		result = append(result, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

var _ backend.Backend = (*ChatBackend)(nil)
