// Package speech turns recorded audio into text for the chat session.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatbot-go/internal/config"
	"github.com/comigor/chatbot-go/internal/logger"
)

// ErrNoSpeech is returned when a recording transcribes to nothing.
var ErrNoSpeech = errors.New("speech: nothing recognised")

// Transcriber converts a WAV file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Recorder captures microphone audio into a file.
type Recorder interface {
	Start() error
	// Stop ends the recording and returns the path of the captured file.
	Stop() (string, error)
}

// AudioClient is the subset of openai.Client Whisper needs.
type AudioClient interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Whisper transcribes through an OpenAI-compatible audio endpoint.
type Whisper struct {
	client AudioClient
	model  string
}

// NewWhisper builds a Whisper transcriber from the LLM endpoint settings.
func NewWhisper(llmCfg config.LLMConfig, cfg config.SpeechConfig) *Whisper {
	oc := openai.DefaultConfig(llmCfg.APIKey)
	if llmCfg.BaseURL != "" {
		oc.BaseURL = llmCfg.BaseURL
	}
	return NewWhisperWithClient(openai.NewClientWithConfig(oc), cfg.Model)
}

// NewWhisperWithClient uses an existing audio client.
func NewWhisperWithClient(client AudioClient, model string) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: client, model: model}
}

func (w *Whisper) Transcribe(ctx context.Context, wavPath string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: wavPath,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", wavPath, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	logger.L.Debug("transcription done", "path", wavPath, "chars", len(text))
	return text, nil
}
