package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/config"
	"github.com/comigor/chatbot-go/internal/conversation"
	"github.com/comigor/chatbot-go/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// BuildRequest turns the prompt window of a conversation into a chat request.
//
// Framed conversations are sent as a single user message holding the framed
// transcript followed by an open model turn, which is what turn-framed models
// expect. Plain conversations are sent as one chat message per turn.
func BuildRequest(cfg config.LLMConfig, kind conversation.Kind, window []chat.Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.SystemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}

	if kind == conversation.KindFramed {
		var sb strings.Builder
		for _, m := range window {
			sb.WriteString(m.Framed)
			sb.WriteString("\n")
		}
		sb.WriteString(conversation.OpenFrame(chat.Model))
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: sb.String(),
		})
		return req
	}

	for _, m := range window {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    roleFor(m.Author),
			Content: m.Text,
		})
	}
	return req
}

func roleFor(a chat.Author) string {
	if a == chat.Model {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

// Generator runs requests against a Client.
type Generator struct {
	client Client
}

// NewGenerator wraps client.
func NewGenerator(client Client) *Generator {
	return &Generator{client: client}
}

// Complete returns the whole response at once.
func (g *Generator) Complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = false
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	logger.L.Debug("LLM response received", "finish_reason", resp.Choices[0].FinishReason, "tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// Stream calls onChunk for every non-empty piece of text, in order, and
// returns once the model has finished. It returns the number of chunks seen.
func (g *Generator) Stream(ctx context.Context, req openai.ChatCompletionRequest, onChunk func(string)) (int, error) {
	req.Stream = true
	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("chat completion stream: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.L.Warn("stream close error", "error", cerr)
		}
	}()

	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, fmt.Errorf("chat completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			chunks++
			onChunk(choice.Delta.Content)
		}
	}
}
