package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/BTreeMap/InsightPipe/internal/generation"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// messageService defines the minimal interface for the Messages API.
type messageService interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type anthropicMessageService struct {
	client anthropic.Client
}

func (s *anthropicMessageService) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return s.client.Messages.New(ctx, params)
}

// AnthropicClient generates text with the Anthropic Messages API. It is used as
// the secondary backend when an Anthropic key is configured.
type AnthropicClient struct {
	messages    messageService
	name        string
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

var _ generation.Backend = (*AnthropicClient)(nil)

// NewAnthropicClient creates an Anthropic backend. An API key is required.
func NewAnthropicClient(opts ...Option) (*AnthropicClient, error) {
	cfg := buildOpts(opts)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNoAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	slog.Debug("genai.NewAnthropicClient: creating Anthropic backend", "name", cfg.Name, "model", cfg.Model)
	return &AnthropicClient{
		messages:    &anthropicMessageService{client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey))},
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

func (c *AnthropicClient) Name() string {
	if c.name == "" {
		return "anthropic"
	}
	return c.name
}

// Generate sends the system prompt in the system parameter and the user context
// as a single user turn, then joins the text blocks of the reply.
func (c *AnthropicClient) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	temperature := c.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxOutputSize > 0 {
		maxTokens = req.MaxOutputSize
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserContext)),
		},
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	resp, err := c.messages.New(ctx, params)
	if c.debugMode && c.stateDir != "" {
		writeDebugFile(c.stateDir, c.Name(), "Generate", c.model, params, resp, err)
	}
	if err != nil {
		slog.Warn("AnthropicClient.Generate: message request failed", "backend", c.Name(), "model", c.model, "error", err)
		return "", fmt.Errorf("anthropic message request failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", ErrEmptyContent
	}

	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type != "text" {
			continue
		}
		b.WriteString(block.AsText().Text)
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("AnthropicClient.Generate: completed", "backend", c.Name(), "model", c.model, "stop_reason", resp.StopReason)
	return text, nil
}
