// Package model talks to an OpenAI-compatible chat API for the three model
// roles of a run: classifying the ticket, drafting the investigation plan and
// (optionally) summarizing findings. Every response is untrusted text that is
// parsed, validated and bounded here before anything else sees it.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// ErrMalformed is returned when a response cannot be parsed into the
// expected shape.
var ErrMalformed = errors.New("malformed model response")

// Client completes a single prompt.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config selects the provider and model.
type Config struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint, e.g.
	// https://api.deepseek.com/v1. Empty uses OpenAI.
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAIClient implements Client over go-openai.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	log    zerolog.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client. An empty API key is an error.
func NewOpenAIClient(cfg Config, log zerolog.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("model api key is not set")
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	log.Debug().Str("model", cfg.Model).Str("base_url", oc.BaseURL).Msg("initializing model client")
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), cfg: cfg, log: log}, nil
}

// Complete sends one system and one user message and returns the first
// choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformed)
	}

	content := resp.Choices[0].Message.Content
	c.log.Debug().Ctx(ctx).
		Str("model", c.cfg.Model).
		Dur("elapsed", time.Since(start)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Msg("model response")

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformed)
	}
	return content, nil
}

// Ping lists the provider's models to check the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
