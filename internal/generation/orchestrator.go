package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/InsightPipe/internal/metrics"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

var (
	// ErrBackendNotConfigured is recorded when a tier has no backend.
	ErrBackendNotConfigured = errors.New("generation backend not configured")
	// ErrOutputRejected is recorded when output fails the acceptance checks.
	ErrOutputRejected = errors.New("generated output rejected")
	// ErrUnknownRole is returned when no template exists for a role.
	ErrUnknownRole = errors.New("no template for role")
)

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Primary   Backend
	Secondary Backend
	Recorder  metrics.Recorder
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithPrimary sets the tier 1 backend.
func WithPrimary(b Backend) Option {
	return func(o *Opts) { o.Primary = b }
}

// WithSecondary sets the tier 2 backend.
func WithSecondary(b Backend) Option {
	return func(o *Opts) { o.Secondary = b }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// Orchestrator runs the generation fallback chain. It is safe for concurrent use.
type Orchestrator struct {
	primary   Backend
	secondary Backend
	templates map[models.Role]*compiled
	rec       metrics.Recorder
}

// NewOrchestrator validates the role templates and builds an Orchestrator.
func NewOrchestrator(templates map[models.Role]Template, opts ...Option) (*Orchestrator, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop()
	}

	compiledTemplates := make(map[models.Role]*compiled, len(templates))
	for role, t := range templates {
		c, err := compile(role, t)
		if err != nil {
			return nil, err
		}
		compiledTemplates[role] = c
	}

	slog.Debug("Orchestrator created",
		"roles", len(compiledTemplates),
		"primary", backendName(cfg.Primary),
		"secondary", backendName(cfg.Secondary))

	return &Orchestrator{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		templates: compiledTemplates,
		rec:       cfg.Recorder,
	}, nil
}

// HasRole reports whether a template exists for role.
func (o *Orchestrator) HasRole(role models.Role) bool {
	_, ok := o.templates[role]
	return ok
}

// Generate produces text for role. It never fails: every error path ends in the
// role's canned text. Succeeded is true only when the primary backend was accepted.
func (o *Orchestrator) Generate(ctx context.Context, role models.Role, data Context) models.GenerationResult {
	tpl, ok := o.templates[role]
	if !ok {
		slog.Error("Orchestrator.Generate: unknown role, returning placeholder", "role", role, "error", ErrUnknownRole)
		return models.GenerationResult{Text: "…", Degraded: true, Tier: models.TierCanned}
	}

	userContext, err := tpl.render(data)
	if err != nil {
		slog.Error("Orchestrator.Generate: context render failed, using canned text", "role", role, "error", err)
		return o.canned(role, tpl)
	}

	text, err := o.attempt(ctx, role, models.TierPrimary, o.primary, tpl, tpl.primaryRequest(userContext))
	if err == nil {
		return models.GenerationResult{Text: text, Succeeded: true, Tier: models.TierPrimary}
	}
	slog.Warn("Orchestrator.Generate: primary attempt failed", "role", role, "backend", backendName(o.primary), "error", err)

	text, err = o.attempt(ctx, role, models.TierSecondary, o.secondary, tpl, tpl.fallbackRequest(userContext))
	if err == nil {
		return models.GenerationResult{Text: text, Degraded: true, Tier: models.TierSecondary}
	}
	slog.Warn("Orchestrator.Generate: secondary attempt failed", "role", role, "backend", backendName(o.secondary), "error", err)

	return o.canned(role, tpl)
}

func (o *Orchestrator) canned(role models.Role, tpl *compiled) models.GenerationResult {
	o.rec.ObserveGeneration(string(role), string(models.TierCanned), "", true, "", 0)
	slog.Info("Orchestrator.Generate: returning canned text", "role", role)
	return models.GenerationResult{Text: tpl.Canned, Degraded: true, Tier: models.TierCanned}
}

// attempt runs a single backend call under the template timeout and applies the
// acceptance checks. A panic inside the backend is converted to an error.
func (o *Orchestrator) attempt(ctx context.Context, role models.Role, tier models.GenerationTier, b Backend, tpl *compiled, req models.GenerationRequest) (text string, err error) {
	if b == nil {
		o.rec.ObserveGeneration(string(role), string(tier), "", false, "not_configured", 0)
		return "", ErrBackendNotConfigured
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend %s panicked: %v", b.Name(), r)
		}
		o.rec.ObserveGeneration(string(role), string(tier), b.Name(), err == nil, failureReason(err), time.Since(start))
	}()

	actx, cancel := context.WithTimeout(ctx, tpl.Timeout)
	defer cancel()

	slog.Debug("Orchestrator.attempt: calling backend", "role", role, "tier", tier, "backend", b.Name(), "max_output", req.MaxOutputSize)
	raw, err := b.Generate(actx, req)
	if err != nil {
		return "", err
	}
	if err := actx.Err(); err != nil {
		return "", err
	}

	text = strings.TrimSpace(raw)
	if n := utf8.RuneCountInString(text); n < tpl.MinLength {
		return "", fmt.Errorf("%w: %d characters, minimum %d", ErrOutputRejected, n, tpl.MinLength)
	}
	return text, nil
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrOutputRejected):
		return "rejected"
	default:
		return "backend_error"
	}
}

func backendName(b Backend) string {
	if b == nil {
		return "none"
	}
	return b.Name()
}
