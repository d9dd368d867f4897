// Package models defines the core data structures for InsightPipe.
//
// It includes the survey session record, question catalog entries, generation
// requests/results and inbound events, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionState is the explicit position of a user in the survey state machine.
type SessionState string

const (
	// StateNoSession means the user has not started a survey (no record exists).
	StateNoSession SessionState = "no_session"
	// StateAwaitingConsent means the welcome was sent and the user must confirm.
	StateAwaitingConsent SessionState = "awaiting_consent"
	// StateInProgress means the user is answering questions.
	StateInProgress SessionState = "in_progress"
	// StateDone means every question was answered and the final report was produced.
	StateDone SessionState = "done"
)

// IsValidSessionState checks if the given state is one of the known states.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateNoSession, StateAwaitingConsent, StateInProgress, StateDone:
		return true
	default:
		return false
	}
}

// Error variables for session validation
var (
	ErrEmptyUserID        = errors.New("user id cannot be empty")
	ErrInvalidState       = errors.New("invalid session state")
	ErrCursorAnswersDrift = errors.New("cursor does not match number of answers")
	ErrCursorOutOfRange   = errors.New("cursor out of range")
)

// Session is the per-user progress record through the question sequence.
type Session struct {
	UserID    string       `json:"user_id"`
	State     SessionState `json:"state"`
	Cursor    int          `json:"cursor"`
	Answers   []string     `json:"answers"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewSession returns a fresh session in the given state with no answers.
func NewSession(userID string, state SessionState) *Session {
	now := time.Now()
	return &Session{
		UserID:    userID,
		State:     state,
		Answers:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Completed reports whether the survey has been finished.
func (s *Session) Completed() bool {
	return s.State == StateDone
}

// Validate checks the session invariants against a catalog of total questions.
// A total of zero skips the upper bound check.
func (s *Session) Validate(total int) error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidSessionState(s.State) || s.State == StateNoSession {
		return fmt.Errorf("%w: %q", ErrInvalidState, s.State)
	}
	if len(s.Answers) != s.Cursor {
		return fmt.Errorf("%w: cursor=%d answers=%d", ErrCursorAnswersDrift, s.Cursor, len(s.Answers))
	}
	if s.Cursor < 0 || (total > 0 && s.Cursor > total) {
		return fmt.Errorf("%w: cursor=%d total=%d", ErrCursorOutOfRange, s.Cursor, total)
	}
	return nil
}

// Clone returns a deep copy so callers never share the answers slice with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Answers = append([]string(nil), s.Answers...)
	return &c
}

// Question is one entry of the ordered survey catalog.
type Question struct {
	Ordinal  int    `json:"ordinal" yaml:"-"`
	Prompt   string `json:"prompt" yaml:"prompt"`
	Guidance string `json:"guidance,omitempty" yaml:"guidance"`
}

// QA pairs a question with the answer the user gave to it.
type QA struct {
	Ordinal int
	Prompt  string
	Answer  string
}

// Role selects which generation template is used.
type Role string

const (
	// RoleInterim is the short observation sent after each answer.
	RoleInterim Role = "interim"
	// RoleFinal is the long-form report produced after the last answer.
	RoleFinal Role = "final"
)

// GenerationRequest is what a text-generation backend receives.
type GenerationRequest struct {
	SystemInstructions string
	UserContext        string
	MaxOutputSize      int
	StyleConstraints   []string
	Temperature        float64
}

// SystemPrompt returns the instructions with the style constraints appended as a bullet list.
func (r GenerationRequest) SystemPrompt() string {
	if len(r.StyleConstraints) == 0 {
		return r.SystemInstructions
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(r.SystemInstructions, "\n"))
	b.WriteString("\n\n")
	for i, c := range r.StyleConstraints {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(c)
	}
	return b.String()
}

// GenerationTier identifies which step of the fallback chain produced a result.
type GenerationTier string

const (
	TierPrimary   GenerationTier = "primary"
	TierSecondary GenerationTier = "secondary"
	TierCanned    GenerationTier = "canned"
)

// GenerationResult is the outcome of the generation pipeline. Text is never empty.
type GenerationResult struct {
	Text      string         `json:"text"`
	Succeeded bool           `json:"succeeded"`
	Degraded  bool           `json:"degraded"`
	Tier      GenerationTier `json:"tier"`
}

// InboundEvent is a verified text message received from a messaging channel.
type InboundEvent struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	ReplyToken string    `json:"reply_token,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API response.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an error in the API response.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
