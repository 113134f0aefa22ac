// Package genai provides chat completions for the patient creator and actor,
// backed by any OpenAI-compatible API (Groq by default).
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	// DefaultModel is the model used for both case generation and role play.
	DefaultModel = "llama-3.1-8b-instant"
	// DefaultTimeout bounds a single completion request.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the SDK-level retry count for transient failures.
	DefaultMaxRetries = 1
)

var (
	ErrNoAPIKeys         = errors.New("no API keys configured")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrNoMessages        = errors.New("no messages to send")
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage builds a user message.
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ClientInterface is what the creator and the actor need from a model.
type ClientInterface interface {
	// Chat sends messages with the given sampling temperature and returns the reply text.
	Chat(ctx context.Context, messages []Message, temperature float64) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service. The API key is chosen per
// request by the configured KeyRotator.
type Client struct {
	chat    chatService
	keys    KeyRotator
	model   string
	timeout time.Duration
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKeys []string
	Rotator KeyRotator
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKeys sets the pool of API keys used by the default random rotator.
func WithAPIKeys(keys ...string) Option {
	return func(o *Opts) { o.APIKeys = append(o.APIKeys, keys...) }
}

// WithRotator overrides the key selection strategy.
func WithRotator(r KeyRotator) Option {
	return func(o *Opts) { o.Rotator = r }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// NewClient initializes a new GenAI client. At least one API key, or a rotator, is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, Model: DefaultModel, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	rotator := cfg.Rotator
	if rotator == nil {
		rotator = NewRandomRotator(cfg.APIKeys)
	}
	if rotator.Len() == 0 {
		slog.Error("genai.NewClient: no API keys configured")
		return nil, ErrNoAPIKeys
	}

	cli := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(DefaultMaxRetries),
	)
	slog.Debug("genai.NewClient: client created", "baseURL", cfg.BaseURL, "model", cfg.Model, "timeout", cfg.Timeout, "keys", rotator.Len())
	return &Client{chat: &cli.Chat.Completions, keys: rotator, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Chat sends the messages to the chat completion API and returns the first choice.
func (c *Client) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	if len(messages) == 0 {
		return "", ErrNoMessages
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(temperature),
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params, option.WithAPIKey(c.keys.Next()))
	if err != nil {
		slog.Warn("genai.Chat: completion failed", "model", c.model, "messages", len(messages), "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		slog.Warn("genai.Chat: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("genai.Chat: completion succeeded", "model", c.model, "temperature", temperature, "messages", len(messages), "replyLength", len(content), "elapsed", time.Since(start))
	return content, nil
}

// toOpenAIMessages converts provider-neutral messages; unknown roles become user messages.
func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch Role(strings.ToLower(string(m.Role))) {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
