package summarize

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI summarizes via an OpenAI-compatible chat completion endpoint.
// A custom BaseURL points it at any compatible gateway.
type OpenAI struct {
	client        *openai.Client
	model         string
	maxInputChars int
}

// NewOpenAI builds the provider.
func NewOpenAI(cfg ProviderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("summarizer api key is required for the openai provider")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         model,
		maxInputChars: cfg.MaxInputChars,
	}, nil
}

// Summarize implements Summarizer.
func (s *OpenAI) Summarize(ctx context.Context, text, prompt string) (string, error) {
	if s.maxInputChars > 0 {
		runes := []rune(text)
		if len(runes) > s.maxInputChars {
			text = string(runes[:s.maxInputChars])
		}
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: "Summarize this content:\n\n" + text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
