package ai

import (
	"context"

	"github.com/jrsteele09/tg-chat-gateway/internal/config"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(settings config.ProviderSettings) (*OpenAIProvider, error) {
	if settings.APIKey == "" {
		return nil, errors.Errorf("[NewOpenAIProvider] %s: api key is required", settings.Name)
	}
	if settings.Model == "" {
		return nil, errors.Errorf("[NewOpenAIProvider] %s: model is required", settings.Name)
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	return &OpenAIProvider{
		name:   settings.Name,
		model:  settings.Model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

// NewProviders builds a provider per settings entry, preserving order.
func NewProviders(settings []config.ProviderSettings) ([]Provider, error) {
	providers := make([]Provider, 0, len(settings))
	for _, s := range settings {
		p, err := NewOpenAIProvider(s)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Generate(ctx context.Context, history []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, turn := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    toOpenAIRole(turn.Role),
			Content: turn.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return "", errors.Wrapf(err, "[OpenAIProvider.Generate] %s", p.name)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Errorf("[OpenAIProvider.Generate] %s: no choices returned", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIRole(role Role) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
