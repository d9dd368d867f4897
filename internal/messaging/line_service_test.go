package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/InsightPipe/internal/line"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

type stubLineParser struct {
	events []models.InboundEvent
	err    error
}

func (p *stubLineParser) ParseRequest(r *http.Request) ([]models.InboundEvent, error) {
	return p.events, p.err
}

func TestLineService_ReplyAndPush(t *testing.T) {
	client := line.NewMockClient()
	svc := NewLineService(client, &stubLineParser{})

	require.NoError(t, svc.Reply(context.Background(), "tok", "welcome"))
	require.NoError(t, svc.Push(context.Background(), "U1", "Q1"))
	assert.Equal(t, []line.SentMessage{{To: "tok", Body: "welcome"}}, client.Replies)
	assert.Equal(t, []line.SentMessage{{To: "U1", Body: "Q1"}}, client.Pushes)
	assert.Equal(t, line.MaxMessageLength, svc.MaxMessageLength())
	assert.Equal(t, "line", svc.Name())
}

func TestLineService_WebhookQueuesEvents(t *testing.T) {
	parser := &stubLineParser{events: []models.InboundEvent{
		{ID: "e1", Channel: "line", UserID: "U1", Text: "診断開始", ReplyToken: "t1"},
		{ID: "e2", Channel: "line", UserID: "U2", Text: "はい", ReplyToken: "t2"},
	}}
	svc := NewLineService(line.NewMockClient(), parser)

	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("{}")))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, svc.Events(), 2)
	first := <-svc.Events()
	assert.Equal(t, "e1", first.ID)
}

func TestLineService_WebhookRejectsBadSignature(t *testing.T) {
	svc := NewLineService(line.NewMockClient(), &stubLineParser{err: line.ErrInvalidSignature})

	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("{}")))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, svc.Events())
}

func TestLineService_WebhookRejectsMalformed(t *testing.T) {
	svc := NewLineService(line.NewMockClient(), &stubLineParser{err: errors.New("unexpected end of JSON input")})

	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("{")))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLineService_StoppedRejectsSends(t *testing.T) {
	svc := NewLineService(line.NewMockClient(), &stubLineParser{})
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.Reply(context.Background(), "tok", "x"), ErrServiceStopped)
	assert.ErrorIs(t, svc.Push(context.Background(), "U1", "x"), ErrServiceStopped)
}
