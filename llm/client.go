// Package llm provides the engine's prompt completion client, speaking the
// OpenAI-compatible chat completions protocol.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loomctl/loom"
)

var _ loom.LLMClient = (*Client)(nil)

type Config struct {
	BaseURL string        `yaml:"baseURL" default:"https://api.openai.com/v1" validate:"url_format"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model" default:"gpt-4o-mini" validate:"required"`
	Timeout time.Duration `yaml:"timeout" default:"120s"`
}

type Client struct {
	http *resty.Client
	cfg  Config
	l    *slog.Logger
}

func NewClient(cfg Config, l *slog.Logger) (*Client, error) {
	if err := loom.PrepareConfig(&cfg); err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		http.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: http, cfg: cfg, l: l}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the rendered prompt and returns the model's full text
// response. Context cancellation aborts the in-flight request.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:    c.cfg.Model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	if resp.IsError() {
		if out.Error != nil {
			return "", fmt.Errorf("llm request failed: %s (%s)", out.Error.Message, out.Error.Type)
		}
		return "", fmt.Errorf("llm request failed with status %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm response contained no choices")
	}

	c.l.DebugContext(ctx, "completion received",
		"model", c.cfg.Model,
		"prompt_len", len(prompt),
		"response_len", len(out.Choices[0].Message.Content))
	return out.Choices[0].Message.Content, nil
}
