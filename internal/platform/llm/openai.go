// Package llm is the text generator collaborator: a chat completion client
// shared by the conversational agent and the probabilistic extractor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned by Disabled for every call.
var ErrDisabled = errors.New("llm: generator not configured")

// Message is a chat message. Role is one of "system", "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client is the generator collaborator.
type Client interface {
	// Chat sends the full message history and returns the assistant reply.
	Chat(ctx context.Context, messages []Message) (string, error)
	// Complete answers a single self-contained prompt deterministically.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures the OpenAI-backed client.
type Config struct {
	APIKey string
	// BaseURL overrides the API root, e.g. for a compatible gateway.
	BaseURL           string
	ChatModel         string
	CompleteModel     string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// OpenAIClient calls the OpenAI chat completion API under a shared rate
// limit. Each call is bounded by Config.Timeout.
type OpenAIClient struct {
	client        *openai.Client
	chatModel     string
	completeModel string
	limiter       *rate.Limiter
	timeout       time.Duration
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	completeModel := cfg.CompleteModel
	if completeModel == "" {
		completeModel = chatModel
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &OpenAIClient{
		client:        openai.NewClientWithConfig(oc),
		chatModel:     chatModel,
		completeModel: completeModel,
		limiter:       rate.NewLimiter(limit, burst),
		timeout:       timeout,
	}, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return c.create(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    oaMsgs,
		Temperature: 0.2,
	})
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.create(ctx, openai.ChatCompletionRequest{
		Model: c.completeModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		// go-openai omits a zero temperature, so use the smallest positive one.
		Temperature: 0.01,
	})
}

func (c *OpenAIClient) create(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion (%s): %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Disabled is used when no API key is configured. Turns still run; the
// reply is empty and no closure is attempted.
type Disabled struct{}

func (Disabled) Chat(context.Context, []Message) (string, error) { return "", ErrDisabled }
func (Disabled) Complete(context.Context, string) (string, error) { return "", ErrDisabled }
