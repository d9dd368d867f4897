// Package testutil provides common test doubles shared by InsightPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// ErrScripted is the error a ScriptedBackend returns for a failing step.
var ErrScripted = errors.New("scripted backend failure")

// Step is one scripted backend response. A zero Step returns an empty string.
type Step struct {
	Text  string
	Err   error
	Block bool // wait for ctx to be done, then return ctx.Err()
}

// ScriptedBackend replays Steps in order; the last Step repeats once the script runs out.
type ScriptedBackend struct {
	BackendName string

	mu       sync.Mutex
	steps    []Step
	requests []models.GenerationRequest
}

// NewScriptedBackend creates a backend that replays the given steps.
func NewScriptedBackend(name string, steps ...Step) *ScriptedBackend {
	return &ScriptedBackend{BackendName: name, steps: steps}
}

// FailingBackend returns a backend whose every call errors.
func FailingBackend(name string) *ScriptedBackend {
	return NewScriptedBackend(name, Step{Err: ErrScripted})
}

// Name implements generation.Backend.
func (b *ScriptedBackend) Name() string { return b.BackendName }

// Generate implements generation.Backend.
func (b *ScriptedBackend) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	b.mu.Lock()
	idx := len(b.requests)
	b.requests = append(b.requests, req)
	var step Step
	if len(b.steps) > 0 {
		if idx >= len(b.steps) {
			idx = len(b.steps) - 1
		}
		step = b.steps[idx]
	}
	b.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return step.Text, step.Err
}

// Calls returns the number of Generate invocations.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// Requests returns a copy of every request received.
func (b *ScriptedBackend) Requests() []models.GenerationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.GenerationRequest(nil), b.requests...)
}

// SentMessage is one outbound call recorded by a RecordingChannel.
type SentMessage struct {
	Method string // "reply" or "push"
	Target string // reply token or user id
	Text   string
}

// RecordingChannel is an in-memory outbound channel that records every send.
type RecordingChannel struct {
	ChannelName string
	Limit       int
	FailReply   bool
	FailPush    bool

	mu   sync.Mutex
	sent []SentMessage
}

// NewRecordingChannel creates a channel with the given per-message limit.
func NewRecordingChannel(limit int) *RecordingChannel {
	return &RecordingChannel{ChannelName: "test", Limit: limit}
}

// Name returns the channel name.
func (c *RecordingChannel) Name() string { return c.ChannelName }

// MaxMessageLength returns the per-message limit.
func (c *RecordingChannel) MaxMessageLength() int { return c.Limit }

// Reply records a reply.
func (c *RecordingChannel) Reply(ctx context.Context, replyToken, text string) error {
	return c.record("reply", replyToken, text, c.FailReply)
}

// Push records a push.
func (c *RecordingChannel) Push(ctx context.Context, userID, text string) error {
	return c.record("push", userID, text, c.FailPush)
}

func (c *RecordingChannel) record(method, target, text string, fail bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, SentMessage{Method: method, Target: target, Text: text})
	if fail {
		return errors.New(method + " rejected")
	}
	return nil
}

// Sent returns a copy of every recorded send in order.
func (c *RecordingChannel) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Texts returns the text of every recorded send in order.
func (c *RecordingChannel) Texts() []string {
	sent := c.Sent()
	out := make([]string, len(sent))
	for i, m := range sent {
		out[i] = m.Text
	}
	return out
}

// Reset drops all recorded sends.
func (c *RecordingChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}
