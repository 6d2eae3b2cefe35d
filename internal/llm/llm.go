package llm

import (
	"context"

	"github.com/comigor/chatbot-go/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client *openai.Client
}

// NewClient creates a new OpenAI-compatible client
func NewClient(cfg config.LLMConfig) Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &openAIClient{client: openai.NewClientWithConfig(config)}
}

func (c *openAIClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return c.client.CreateChatCompletion(ctx, req)
}

func (c *openAIClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
