// Package generation turns survey answers into generated text through a tiered
// fallback chain: primary backend, secondary backend, then a canned response.
package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// Defaults applied to a Template when a field is left at its zero value.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxOutputTokens = 512
	DefaultMinLength       = 1
)

var (
	// ErrMissingCanned is returned when a template has no canned fallback text.
	ErrMissingCanned = errors.New("template canned text is required")
	// ErrMissingInstructions is returned when a template has no instructions.
	ErrMissingInstructions = errors.New("template instructions are required")
)

// Backend is a text-generation provider.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Generate produces text for the request or returns an error.
	Generate(ctx context.Context, req models.GenerationRequest) (string, error)
}

// Template holds the role-specific parameters of the single generation template.
type Template struct {
	Instructions         string        `yaml:"instructions"`
	FallbackInstructions string        `yaml:"fallback_instructions"`
	Constraints          []string      `yaml:"constraints"`
	Context              string        `yaml:"context"`
	MaxOutputTokens      int           `yaml:"max_output_tokens"`
	MinLength            int           `yaml:"min_length"`
	Temperature          float64       `yaml:"temperature"`
	FallbackTemperature  float64       `yaml:"fallback_temperature"`
	Timeout              time.Duration `yaml:"timeout"`
	Canned               string        `yaml:"canned"`
}

// Context is the data a template's context section is rendered with.
// Latest is the answer just given; Answers holds every answer so far in order.
type Context struct {
	Latest  models.QA
	Answers []models.QA
	Total   int
}

// compiled is a validated Template with its context parsed.
type compiled struct {
	Template
	ctx *template.Template
}

func compile(role models.Role, t Template) (*compiled, error) {
	if strings.TrimSpace(t.Instructions) == "" {
		return nil, fmt.Errorf("%s: %w", role, ErrMissingInstructions)
	}
	if strings.TrimSpace(t.Canned) == "" {
		return nil, fmt.Errorf("%s: %w", role, ErrMissingCanned)
	}
	if t.FallbackInstructions == "" {
		t.FallbackInstructions = t.Instructions
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.MaxOutputTokens <= 0 {
		t.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if t.MinLength <= 0 {
		t.MinLength = DefaultMinLength
	}
	if t.FallbackTemperature <= 0 {
		t.FallbackTemperature = t.Temperature
	}

	tpl, err := template.New(string(role)).Option("missingkey=error").Parse(t.Context)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse context template: %w", role, err)
	}
	return &compiled{Template: t, ctx: tpl}, nil
}

func (c *compiled) render(data Context) (string, error) {
	var buf bytes.Buffer
	if err := c.ctx.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// primaryRequest builds the tier 1 request.
func (c *compiled) primaryRequest(userContext string) models.GenerationRequest {
	return models.GenerationRequest{
		SystemInstructions: c.Instructions,
		UserContext:        userContext,
		MaxOutputSize:      c.MaxOutputTokens,
		StyleConstraints:   c.Constraints,
		Temperature:        c.Temperature,
	}
}

// fallbackRequest builds the more conservative tier 2 request.
func (c *compiled) fallbackRequest(userContext string) models.GenerationRequest {
	return models.GenerationRequest{
		SystemInstructions: c.FallbackInstructions,
		UserContext:        userContext,
		MaxOutputSize:      c.MaxOutputTokens,
		StyleConstraints:   c.Constraints,
		Temperature:        c.FallbackTemperature,
	}
}
