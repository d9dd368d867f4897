// Package genai provides text generation backends for InsightPipe using the
// OpenAI and Anthropic APIs.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/InsightPipe/internal/generation"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

// Default settings used when neither the options nor the request set a value.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// Error variables for generation backends
var (
	ErrNoAPIKey          = errors.New("API key is required")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyContent      = errors.New("backend returned empty content")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the SDK client to chatService.
type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the generation clients.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
	Name        string
}

// Option defines a configuration option for the generation clients.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the temperature used when a request leaves it unset.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens sets the output cap used when a request leaves it unset.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables writing every call to <stateDir>/debug as JSON.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the state directory used for debug dumps.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithName overrides the backend name reported in logs and metrics.
func WithName(name string) Option {
	return func(o *Opts) { o.Name = name }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Client generates text with the OpenAI chat completions API.
type Client struct {
	chat        chatService
	name        string
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// Compile-time check that Client is a generation backend.
var _ generation.Backend = (*Client)(nil)

// NewClient creates an OpenAI backend. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := buildOpts(opts)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	slog.Debug("genai.NewClient: creating OpenAI backend", "name", cfg.Name, "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        &openAIChatService{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))},
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Name returns the backend name.
func (c *Client) Name() string {
	if c.name == "" {
		return "openai"
	}
	return c.name
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.model
}

// Generate sends the request's system prompt and user context as a two message
// conversation and returns the first choice's content.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	temperature := c.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxOutputSize > 0 {
		maxTokens = req.MaxOutputSize
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt()),
			openai.UserMessage(req.UserContext),
		},
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog("Generate", params, resp, err)
	if err != nil {
		slog.Warn("Client.Generate: chat completion failed", "backend", c.Name(), "model", c.model, "error", err)
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("Client.Generate: completed", "backend", c.Name(), "model", c.model, "chars", len([]rune(content)), "elapsed", time.Since(start))
	return content, nil
}

// writeDebugLog dumps one call to <stateDir>/debug when debug mode is on.
// Failures are logged and otherwise ignored.
func (c *Client) writeDebugLog(method string, params any, resp any, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	writeDebugFile(c.stateDir, c.Name(), method, c.model, params, resp, callErr)
}

func writeDebugFile(stateDir, backend, method, model string, params, resp any, callErr error) {
	debugDir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Error("genai.writeDebugFile: failed to create debug directory", "dir", debugDir, "error", err)
		return
	}

	now := time.Now()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"backend":   backend,
		"method":    method,
		"model":     model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Error("genai.writeDebugFile: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%s.json", now.Format("20060102_150405.000000000"), backend, method)
	path := filepath.Join(debugDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("genai.writeDebugFile: failed to write debug file", "path", path, "error", err)
		return
	}
	slog.Debug("genai.writeDebugFile: wrote debug entry", "path", path)
}
