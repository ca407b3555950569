// Package openai implements the completion and extraction collaborators on
// top of any OpenAI-compatible chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	backend "github.com/sashabaranov/go-openai"

	"github.com/parley-dev/parley/pkg/domain"
	"github.com/parley-dev/parley/pkg/ports"
)

const defaultModel = "gpt-4"

const conversePrompt = `You are an assistant that helps the user define a software application through conversation.

Rules:
- You gather and confirm requirements only. Never generate code or code samples.
- Keep replies short and focused on understanding what the user wants to build.
- If clarifying questions are listed below, ask the single most important one.`

const extractPrompt = `Analyze the conversation and decide whether it carries enough information to describe the application the user wants.

Respond with a single JSON object and nothing else:
{"requirements": "<structured requirements text, or null if not enough information yet>", "open_questions": ["<questions that still block implementation, empty if none>"]}`

const clarifyPrompt = `Given the requirements below, list the clarifying questions that must be answered before implementation can start. Only include questions whose answer would change what gets built. At most one question.

Respond with a single JSON array of strings and nothing else. Respond with [] when nothing blocks implementation.`

// Client talks to a chat completions endpoint. It implements both
// ports.Completer and ports.Extractor.
type Client struct {
	api         *backend.Client
	model       string
	temperature float32
}

// Option configures the Client.
type Option func(*Client, *backend.ClientConfig)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client, _ *backend.ClientConfig) {
		c.model = model
	}
}

// WithBaseURL points the client at a compatible non-OpenAI endpoint.
func WithBaseURL(url string) Option {
	return func(_ *Client, cfg *backend.ClientConfig) {
		cfg.BaseURL = url
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(c *Client, _ *backend.ClientConfig) {
		c.temperature = t
	}
}

// New builds a client for the given API key.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	cfg := backend.DefaultConfig(apiKey)
	c := &Client{model: defaultModel, temperature: 0.7}
	for _, opt := range opts {
		opt(c, &cfg)
	}
	c.api = backend.NewClientWithConfig(cfg)
	return c, nil
}

var _ ports.Completer = (*Client)(nil)
var _ ports.Extractor = (*Client)(nil)

// Complete generates the next assistant reply for the conversation.
func (c *Client) Complete(ctx context.Context, prompt ports.PromptContext) (string, error) {
	system := conversePrompt
	if prompt.Snapshot != nil && len(prompt.Snapshot.ClarifyingQuestions) > 0 {
		system += "\n\nPending clarifying questions:\n- " +
			strings.Join(prompt.Snapshot.ClarifyingQuestions, "\n- ")
	}

	msgs := []backend.ChatCompletionMessage{
		{Role: backend.ChatMessageRoleSystem, Content: system},
	}
	msgs = append(msgs, toChatMessages(prompt.Messages)...)

	return c.chat(ctx, msgs)
}

// Extract distills a requirements snapshot from the messages so far.
// Returns (nil, nil) when the model reports not enough information.
func (c *Client) Extract(ctx context.Context, messages []domain.Message) (*domain.RequirementsSnapshot, error) {
	msgs := []backend.ChatCompletionMessage{
		{Role: backend.ChatMessageRoleSystem, Content: extractPrompt},
	}
	msgs = append(msgs, toChatMessages(messages)...)

	raw, err := c.chat(ctx, msgs)
	if err != nil {
		return nil, err
	}

	var out struct {
		Requirements  *string  `json:"requirements"`
		OpenQuestions []string `json:"open_questions"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("malformed extraction output: %w", err)
	}
	if out.Requirements == nil || *out.Requirements == "" {
		return nil, nil
	}
	return &domain.RequirementsSnapshot{
		Requirements:        *out.Requirements,
		ClarifyingQuestions: out.OpenQuestions,
	}, nil
}

// Clarify formulates user-facing clarifying questions for the requirements.
func (c *Client) Clarify(ctx context.Context, requirements string) ([]string, error) {
	msgs := []backend.ChatCompletionMessage{
		{Role: backend.ChatMessageRoleSystem, Content: clarifyPrompt},
		{Role: backend.ChatMessageRoleUser, Content: requirements},
	}

	raw, err := c.chat(ctx, msgs)
	if err != nil {
		return nil, err
	}

	var questions []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &questions); err != nil {
		return nil, fmt.Errorf("malformed clarification output: %w", err)
	}
	return questions, nil
}

func (c *Client) chat(ctx context.Context, msgs []backend.ChatCompletionMessage) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, backend.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toChatMessages(messages []domain.Message) []backend.ChatCompletionMessage {
	out := make([]backend.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := backend.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = backend.ChatMessageRoleAssistant
		}
		out = append(out, backend.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// stripFences removes a markdown code fence around a JSON payload. Models
// behind compatible endpoints wrap JSON this way often enough to handle it.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
