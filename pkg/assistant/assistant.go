// Package assistant executes delegated caller requests through a text
// chat completion and returns a one-line reply the agent can speak.
package assistant

import (
	"context"
	"fmt"
	"log"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = openai.GPT4oMini

// Config holds the assistant gateway settings.
type Config struct {
	// APIKey is the bearer token.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Model selects the completion model.
	Model string
	// SystemPrompt frames how requests are carried out.
	SystemPrompt string
}

// DefaultConfig reads the gateway settings from the environment.
func DefaultConfig() Config {
	return Config{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   defaultModel,
	}
}

// Gateway turns (intent, request) pairs into spoken-back replies.
type Gateway struct {
	cfg    Config
	client *openai.Client
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("assistant: missing API key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You carry out short personal-assistant tasks delegated from a phone call. " +
			"Reply with one short sentence confirming the outcome, suitable to be read aloud."
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Gateway{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Handle runs one delegated request.
func (g *Gateway) Handle(ctx context.Context, intent, request string) (string, error) {
	log.Printf("[Assistant] handling intent=%q request=%q", intent, request)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Intent: %s\nRequest: %s", intent, request)},
		},
		MaxTokens:   120,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("assistant: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
