// Package survey implements the per-user questionnaire state machine.
//
// A Controller takes one inbound message at a time per user, moves the user's
// session through NoSession, AwaitingConsent, InProgress and Done, asks the
// generation orchestrator for interim observations and the final report, and
// hands every reply to the delivery dispatcher.
package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/BTreeMap/InsightPipe/internal/catalog"
	"github.com/BTreeMap/InsightPipe/internal/delivery"
	"github.com/BTreeMap/InsightPipe/internal/generation"
	"github.com/BTreeMap/InsightPipe/internal/metrics"
	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/store"
)

// Error variables for the survey controller
var (
	ErrNilDependency = errors.New("survey controller dependency is nil")
	ErrUnknownState  = errors.New("unknown session state")
)

// Generator produces interim observations and final reports.
type Generator interface {
	Generate(ctx context.Context, role models.Role, data generation.Context) models.GenerationResult
}

// Deliverer sends one logical reply, split into parts as needed.
type Deliverer interface {
	Deliver(ctx context.Context, t *delivery.Target, text string) delivery.Report
}

// Opts holds configuration options for the Controller.
type Opts struct {
	Recorder metrics.Recorder
	Locks    *store.KeyedMutex
}

// Option defines a configuration option for the Controller.
type Option func(*Opts)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithLocks shares a per-user lock table with other writers.
func WithLocks(k *store.KeyedMutex) Option {
	return func(o *Opts) { o.Locks = k }
}

// Controller is the survey state machine. It is the only writer of sessions.
type Controller struct {
	catalog   *catalog.Catalog
	sessions  store.SessionStore
	generator Generator
	deliverer Deliverer
	locks     *store.KeyedMutex
	recorder  metrics.Recorder
}

// NewController creates a Controller.
func NewController(cat *catalog.Catalog, sessions store.SessionStore, gen Generator, deliverer Deliverer, opts ...Option) (*Controller, error) {
	if cat == nil || sessions == nil || gen == nil || deliverer == nil {
		return nil, ErrNilDependency
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop()
	}
	if cfg.Locks == nil {
		cfg.Locks = store.NewKeyedMutex()
	}
	return &Controller{
		catalog:   cat,
		sessions:  sessions,
		generator: gen,
		deliverer: deliverer,
		locks:     cfg.Locks,
		recorder:  cfg.Recorder,
	}, nil
}

// HandleEvent processes one inbound message. The user's lock is held for the
// whole read-modify-write and the delivery of its replies, so a second message
// from the same user waits for the first. Errors and panics are logged and
// answered with the apology message; they never escape.
func (c *Controller) HandleEvent(ctx context.Context, evt models.InboundEvent) {
	if evt.UserID == "" {
		slog.Warn("Controller.HandleEvent: dropping event without user id", "event_id", evt.ID, "channel", evt.Channel)
		return
	}
	target := delivery.NewTarget(evt.UserID, evt.ReplyToken, evt.ReceivedAt)

	unlock := c.locks.Lock(evt.UserID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Controller.HandleEvent: recovered from panic", "panic", fmt.Sprint(r), "user_id", evt.UserID, "event_id", evt.ID, "stack", string(debug.Stack()))
			c.deliverer.Deliver(ctx, target, c.catalog.Messages.Apology)
		}
	}()

	if err := c.step(ctx, evt, target); err != nil {
		slog.Error("Controller.HandleEvent: failed to process message", "error", err, "user_id", evt.UserID, "event_id", evt.ID)
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.Apology)
	}
}

func (c *Controller) step(ctx context.Context, evt models.InboundEvent, target *delivery.Target) error {
	sess, err := c.sessions.GetSession(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	text := strings.TrimSpace(evt.Text)

	state := models.StateNoSession
	if sess != nil {
		state = sess.State
	}
	slog.Debug("Controller.step: handling message", "user_id", evt.UserID, "state", state, "text_length", len(text))

	switch state {
	case models.StateNoSession:
		return c.onNoSession(ctx, evt.UserID, text, target)
	case models.StateAwaitingConsent:
		return c.onAwaitingConsent(ctx, sess, text, target)
	case models.StateInProgress:
		return c.onAnswer(ctx, sess, text, target)
	case models.StateDone:
		return c.onDone(ctx, sess, target)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
}

func (c *Controller) onNoSession(ctx context.Context, userID, text string, target *delivery.Target) error {
	if !c.catalog.IsStart(text) {
		slog.Info("Controller: message without session, sending start hint", "user_id", userID)
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.StartHint)
		return nil
	}
	return c.begin(ctx, userID, target, func(s *models.Session) error {
		return c.sessions.CreateSession(ctx, s)
	})
}

// begin starts a survey: in consent mode it stores AwaitingConsent and sends the
// welcome; in direct mode it stores InProgress and sends the welcome and Q1.
func (c *Controller) begin(ctx context.Context, userID string, target *delivery.Target, save func(*models.Session) error) error {
	if c.catalog.Mode == catalog.ModeDirect {
		sess := models.NewSession(userID, models.StateInProgress)
		if err := save(sess); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		c.transition(userID, models.StateNoSession, models.StateInProgress)
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.DirectWelcome)
		return c.sendQuestion(ctx, target, 1, "")
	}

	sess := models.NewSession(userID, models.StateAwaitingConsent)
	if err := save(sess); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.transition(userID, models.StateNoSession, models.StateAwaitingConsent)
	c.deliverer.Deliver(ctx, target, c.catalog.Messages.Welcome)
	return nil
}

func (c *Controller) onAwaitingConsent(ctx context.Context, sess *models.Session, text string, target *delivery.Target) error {
	switch {
	case c.catalog.IsConsent(text):
		sess.State = models.StateInProgress
		sess.Cursor = 0
		sess.Answers = nil
		if err := c.sessions.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to record consent: %w", err)
		}
		c.transition(sess.UserID, models.StateAwaitingConsent, models.StateInProgress)
		return c.sendQuestion(ctx, target, 1, "")
	case c.catalog.IsStart(text):
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.Welcome)
	default:
		slog.Info("Controller: waiting for consent, sending start hint", "user_id", sess.UserID)
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.StartHint)
	}
	return nil
}

// onAnswer accepts text as the answer to the pending question. A start keyword
// here is an ordinary answer.
func (c *Controller) onAnswer(ctx context.Context, sess *models.Session, text string, target *delivery.Target) error {
	total := c.catalog.Len()
	question, ok := c.catalog.Question(sess.Cursor + 1)
	if !ok {
		return fmt.Errorf("%w: cursor %d of %d", models.ErrCursorOutOfRange, sess.Cursor, total)
	}

	sess.Answers = append(sess.Answers, text)
	sess.Cursor++

	if sess.Cursor < total {
		if err := c.sessions.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to record answer %d: %w", sess.Cursor, err)
		}
		observation := ""
		if c.catalog.InterimFeedback {
			res := c.generator.Generate(ctx, models.RoleInterim, c.context(sess, question, text))
			observation = res.Text
		}
		return c.sendQuestion(ctx, target, sess.Cursor+1, observation)
	}

	// Done is committed before the report is generated so a concurrent or
	// repeated message can never trigger a second final generation.
	sess.State = models.StateDone
	if err := c.sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	c.transition(sess.UserID, models.StateInProgress, models.StateDone)
	slog.Info("Controller: all questions answered, generating report", "user_id", sess.UserID, "answers", len(sess.Answers))

	if c.catalog.Messages.Analyzing != "" {
		c.deliverer.Deliver(ctx, target, c.catalog.Messages.Analyzing)
	}
	res := c.generator.Generate(ctx, models.RoleFinal, c.context(sess, question, text))
	report := c.deliverer.Deliver(ctx, target, c.catalog.Completion(res.Text))
	slog.Info("Controller: report delivered", "user_id", sess.UserID, "tier", res.Tier, "degraded", res.Degraded, "parts", report.Parts, "failed_parts", report.Failed)

	if !c.catalog.RetainCompleted {
		// Done is already committed and the report sent; a leftover session
		// only answers already_complete until cleared.
		if err := c.sessions.DeleteSession(ctx, sess.UserID); err != nil {
			slog.Warn("Controller: failed to clear completed session", "user_id", sess.UserID, "error", err)
		}
	}
	return nil
}

// onDone answers every message, the start keyword included, with
// already_complete. A retained session is only cleared through Finish.
func (c *Controller) onDone(ctx context.Context, sess *models.Session, target *delivery.Target) error {
	slog.Debug("Controller: message after completion", "user_id", sess.UserID)
	c.deliverer.Deliver(ctx, target, c.catalog.Messages.AlreadyComplete)
	return nil
}

// sendQuestion delivers question ordinal, preceded by observation when present.
func (c *Controller) sendQuestion(ctx context.Context, target *delivery.Target, ordinal int, observation string) error {
	q, ok := c.catalog.Question(ordinal)
	if !ok {
		return fmt.Errorf("%w: question %d", models.ErrCursorOutOfRange, ordinal)
	}
	c.deliverer.Deliver(ctx, target, c.catalog.WithObservation(observation, c.catalog.FormatQuestion(q)))
	return nil
}

// context builds the generation context from every answer so far.
func (c *Controller) context(sess *models.Session, latest models.Question, answer string) generation.Context {
	qas := make([]models.QA, 0, len(sess.Answers))
	for i, a := range sess.Answers {
		q, _ := c.catalog.Question(i + 1)
		qas = append(qas, models.QA{Ordinal: q.Ordinal, Prompt: q.Prompt, Answer: a})
	}
	return generation.Context{
		Latest:  models.QA{Ordinal: latest.Ordinal, Prompt: latest.Prompt, Answer: answer},
		Answers: qas,
		Total:   c.catalog.Len(),
	}
}

func (c *Controller) transition(userID string, from, to models.SessionState) {
	c.recorder.ObserveTransition(string(from), string(to))
	slog.Debug("Controller: state transition", "user_id", userID, "from", from, "to", to)
}

// Session returns the user's session, or nil when there is none.
func (c *Controller) Session(ctx context.Context, userID string) (*models.Session, error) {
	return c.sessions.GetSession(ctx, userID)
}

// Finish deletes the user's session under the user's lock. It reports whether a
// session existed.
func (c *Controller) Finish(ctx context.Context, userID string) (bool, error) {
	unlock := c.locks.Lock(userID)
	defer unlock()

	sess, err := c.sessions.GetSession(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return false, nil
	}
	if err := c.sessions.DeleteSession(ctx, userID); err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	c.transition(userID, sess.State, models.StateNoSession)
	slog.Info("Controller: session finished by operator", "user_id", userID, "state", sess.State)
	return true, nil
}
