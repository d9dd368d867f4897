package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/InsightPipe/internal/line"
	"github.com/BTreeMap/InsightPipe/internal/models"
)

// LineParser turns a LINE callback into inbound events after verifying its signature.
type LineParser interface {
	ParseRequest(r *http.Request) ([]models.InboundEvent, error)
}

// LineService implements Channel on top of the LINE Messaging API.
type LineService struct {
	client line.Sender
	parser LineParser
	inbox  *inbox
}

var _ Channel = (*LineService)(nil)

// NewLineService creates a LineService. A *line.Client serves as both sender and parser.
func NewLineService(client line.Sender, parser LineParser) *LineService {
	return &LineService{
		client: client,
		parser: parser,
		inbox:  newInbox(line.ChannelName),
	}
}

func (s *LineService) Name() string { return line.ChannelName }

func (s *LineService) MaxMessageLength() int { return line.MaxMessageLength }

// Start is a no-op; events arrive through WebhookHandler.
func (s *LineService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel.
func (s *LineService) Stop() error {
	s.inbox.stop()
	return nil
}

func (s *LineService) Events() <-chan models.InboundEvent {
	return s.inbox.events
}

func (s *LineService) Reply(ctx context.Context, replyToken, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return s.client.ReplyText(ctx, replyToken, text)
}

func (s *LineService) Push(ctx context.Context, userID, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return s.client.PushText(ctx, userID, text)
}

// WebhookHandler handles LINE callbacks. Events are queued and the request is
// answered with 200 before any of them is processed.
func (s *LineService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.parser.ParseRequest(r)
	if err != nil {
		if errors.Is(err, line.ErrInvalidSignature) {
			slog.Warn("LINE webhook rejected: invalid signature", "remote_addr", r.RemoteAddr)
			http.Error(w, ErrInvalidSignature.Error(), http.StatusBadRequest)
			return
		}
		slog.Warn("LINE webhook rejected", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	slog.Debug("LINE webhook received", "events", len(events))
	for _, evt := range events {
		s.inbox.emit(evt)
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
