package testutil

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

func TestScriptedBackendReplaysAndRepeatsLastStep(t *testing.T) {
	b := NewScriptedBackend("scripted", Step{Text: "one"}, Step{Err: ErrScripted})
	ctx := context.Background()

	if out, err := b.Generate(ctx, models.GenerationRequest{UserContext: "a"}); err != nil || out != "one" {
		t.Fatalf("first step: got %q, %v", out, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Generate(ctx, models.GenerationRequest{}); !errors.Is(err, ErrScripted) {
			t.Fatalf("expected scripted error on call %d, got %v", i+2, err)
		}
	}
	if b.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", b.Calls())
	}
	if b.Requests()[0].UserContext != "a" {
		t.Errorf("expected first request to be recorded")
	}
}

func TestScriptedBackendBlockHonoursContext(t *testing.T) {
	b := NewScriptedBackend("slow", Step{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.Generate(ctx, models.GenerationRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRecordingChannel(t *testing.T) {
	c := NewRecordingChannel(10)
	c.FailPush = true
	ctx := context.Background()

	if err := c.Reply(ctx, "token", "hello"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if err := c.Push(ctx, "U1", "world"); err == nil {
		t.Fatal("expected push to fail")
	}

	sent := c.Sent()
	if len(sent) != 2 || sent[0].Method != "reply" || sent[1].Target != "U1" {
		t.Errorf("unexpected sends: %+v", sent)
	}
	c.Reset()
	if len(c.Texts()) != 0 {
		t.Error("expected reset to clear sends")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	mockT := &testing.T{}
	AssertHTTPStatus(mockT, 200, 200, "matching")
	if mockT.Failed() {
		t.Error("expected matching status codes to pass")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":1}`)

	response := AssertJSONResponse(t, rr, "ok")
	if response["result"] != float64(1) {
		t.Errorf("expected result 1, got %v", response["result"])
	}
}
