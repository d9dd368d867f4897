// Package catalog loads the survey definition: the ordered question list, the
// start/consent keywords, the user-facing messages and the generation prompts.
//
// A definition is a YAML document. The embedded default is used when no file is
// configured.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/InsightPipe/internal/generation"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

//go:embed default.yaml
var defaultDefinition []byte

// Mode selects how a survey begins.
type Mode string

const (
	// ModeConsent sends a welcome and waits for a consent keyword before Question 1.
	ModeConsent Mode = "consent"
	// ModeDirect sends the welcome and Question 1 together.
	ModeDirect Mode = "direct"
)

// Error variables for catalog validation
var (
	ErrEmptyCatalog       = errors.New("catalog must contain at least one question")
	ErrEmptyPrompt        = errors.New("question prompt cannot be empty")
	ErrInvalidMode        = errors.New("invalid survey mode")
	ErrMissingKeywords    = errors.New("keywords are required")
	ErrMissingMessage     = errors.New("message is required")
	ErrMissingFinalRole   = errors.New("final prompt template is required")
	ErrMissingInterimRole = errors.New("interim prompt template is required when interim feedback is enabled")
)

// Keywords holds the trigger words, matched case-insensitively after trimming.
type Keywords struct {
	Start   []string `yaml:"start"`
	Consent []string `yaml:"consent"`
}

// Messages holds the fixed user-facing texts. Each may reference {{.Total}}.
type Messages struct {
	Welcome           string `yaml:"welcome"`
	DirectWelcome     string `yaml:"direct_welcome"`
	StartHint         string `yaml:"start_hint"`
	AlreadyComplete   string `yaml:"already_complete"`
	FirstQuestionNote string `yaml:"first_question_note"`
	Separator         string `yaml:"separator"`
	Analyzing         string `yaml:"analyzing"`
	CompletionHeader  string `yaml:"completion_header"`
	Apology           string `yaml:"apology"`
}

// Catalog is a parsed and validated survey definition. It is immutable after Parse.
type Catalog struct {
	Mode            Mode                                `yaml:"mode"`
	InterimFeedback bool                                `yaml:"interim_feedback"`
	RetainCompleted bool                                `yaml:"retain_completed"`
	Keywords        Keywords                            `yaml:"keywords"`
	Messages        Messages                            `yaml:"messages"`
	Prompts         map[models.Role]generation.Template `yaml:"prompts"`
	Questions       []models.Question                   `yaml:"questions"`
}

// Default returns the embedded survey definition.
func Default() (*Catalog, error) {
	return Parse(defaultDefinition)
}

// Load reads a survey definition from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		slog.Debug("Catalog.Load: no catalog file configured, using embedded default")
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog file %s: %w", path, err)
	}
	slog.Info("Catalog.Load: loaded survey definition", "path", path, "questions", c.Len(), "mode", c.Mode)
	return c, nil
}

// Parse decodes and validates a YAML survey definition.
func Parse(data []byte) (*Catalog, error) {
	c := Catalog{
		Mode:            ModeConsent,
		InterimFeedback: true,
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	for i := range c.Questions {
		c.Questions[i].Ordinal = i + 1
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := c.renderMessages(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Questions) == 0 {
		return ErrEmptyCatalog
	}
	for _, q := range c.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("question %d: %w", q.Ordinal, ErrEmptyPrompt)
		}
	}
	switch c.Mode {
	case ModeConsent:
		if len(c.Keywords.Consent) == 0 {
			return fmt.Errorf("consent: %w", ErrMissingKeywords)
		}
		if c.Messages.Welcome == "" {
			return fmt.Errorf("welcome: %w", ErrMissingMessage)
		}
	case ModeDirect:
		if c.Messages.DirectWelcome == "" {
			c.Messages.DirectWelcome = c.Messages.Welcome
		}
		if c.Messages.DirectWelcome == "" {
			return fmt.Errorf("direct_welcome: %w", ErrMissingMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if len(c.Keywords.Start) == 0 {
		return fmt.Errorf("start: %w", ErrMissingKeywords)
	}
	required := map[string]string{
		"start_hint":       c.Messages.StartHint,
		"already_complete": c.Messages.AlreadyComplete,
		"apology":          c.Messages.Apology,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s: %w", name, ErrMissingMessage)
		}
	}
	if _, ok := c.Prompts[models.RoleFinal]; !ok {
		return ErrMissingFinalRole
	}
	if _, ok := c.Prompts[models.RoleInterim]; c.InterimFeedback && !ok {
		return ErrMissingInterimRole
	}
	return nil
}

// renderMessages expands {{.Total}} in every message once; messages are static afterwards.
func (c *Catalog) renderMessages() error {
	data := struct{ Total int }{Total: c.Len()}
	fields := []*string{
		&c.Messages.Welcome,
		&c.Messages.DirectWelcome,
		&c.Messages.StartHint,
		&c.Messages.AlreadyComplete,
		&c.Messages.FirstQuestionNote,
		&c.Messages.Separator,
		&c.Messages.Analyzing,
		&c.Messages.CompletionHeader,
		&c.Messages.Apology,
	}
	for _, f := range fields {
		if !strings.Contains(*f, "{{") {
			continue
		}
		tpl, err := template.New("message").Parse(*f)
		if err != nil {
			return fmt.Errorf("failed to parse message %q: %w", *f, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to render message %q: %w", *f, err)
		}
		*f = buf.String()
	}
	return nil
}

// Len returns the number of questions, N.
func (c *Catalog) Len() int {
	return len(c.Questions)
}

// Question returns the question with the given 1-based ordinal.
func (c *Catalog) Question(ordinal int) (models.Question, bool) {
	if ordinal < 1 || ordinal > len(c.Questions) {
		return models.Question{}, false
	}
	return c.Questions[ordinal-1], true
}

// IsStart reports whether text is a start keyword.
func (c *Catalog) IsStart(text string) bool {
	return matchKeyword(c.Keywords.Start, text)
}

// IsConsent reports whether text is a consent keyword.
func (c *Catalog) IsConsent(text string) bool {
	return matchKeyword(c.Keywords.Consent, text)
}

func matchKeyword(keywords []string, text string) bool {
	text = strings.TrimSpace(text)
	for _, k := range keywords {
		if strings.EqualFold(strings.TrimSpace(k), text) {
			return true
		}
	}
	return false
}

// FormatQuestion renders a question with its guidance. The first question also
// carries the first_question_note.
func (c *Catalog) FormatQuestion(q models.Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Q%d: %s", q.Ordinal, q.Prompt)
	if q.Guidance != "" {
		b.WriteString("\n\n")
		b.WriteString(q.Guidance)
	}
	if q.Ordinal == 1 && c.Messages.FirstQuestionNote != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Messages.FirstQuestionNote)
	}
	return b.String()
}

// WithObservation joins an interim observation and the next question with the separator.
func (c *Catalog) WithObservation(observation, question string) string {
	if observation == "" {
		return question
	}
	if c.Messages.Separator == "" {
		return observation + "\n\n" + question
	}
	return observation + "\n\n" + c.Messages.Separator + "\n\n" + question
}

// Completion prefixes the final report with the completion header.
func (c *Catalog) Completion(report string) string {
	if c.Messages.CompletionHeader == "" {
		return report
	}
	return c.Messages.CompletionHeader + "\n\n" + report
}
