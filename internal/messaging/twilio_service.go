package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a Twilio webhook without sending anything back.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioParser verifies and converts a Twilio webhook post.
type TwilioParser interface {
	ParseRequest(r *http.Request) (models.InboundEvent, error)
}

// TwilioService implements Channel using the Twilio API. Twilio has no reply
// tokens, so every message is pushed.
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	parser TwilioParser
	inbox  *inbox
}

var _ Channel = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService. A *twiliowhatsapp.Client serves as both sender and parser.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, parser TwilioParser) *TwilioService {
	return &TwilioService{
		client: client,
		parser: parser,
		inbox:  newInbox(twiliowhatsapp.ChannelName),
	}
}

func (s *TwilioService) Name() string { return twiliowhatsapp.ChannelName }

func (s *TwilioService) MaxMessageLength() int { return twiliowhatsapp.MaxMessageLength }

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel and stops the service
func (s *TwilioService) Stop() error {
	s.inbox.stop()
	return nil
}

func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.inbox.events
}

// Reply is unsupported; Twilio events carry no reply token.
func (s *TwilioService) Reply(ctx context.Context, replyToken, text string) error {
	return ErrReplyUnsupported
}

// Push sends a message via Twilio
func (s *TwilioService) Push(ctx context.Context, userID, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	to := twiliowhatsapp.CanonicalNumber(userID)
	if to == "" {
		return fmt.Errorf("invalid phone number: no digits found in recipient %q", userID)
	}
	return s.client.SendMessage(ctx, to, text)
}

// WebhookHandler handles inbound Twilio webhook requests.
// It verifies the signature and queues the message on Events.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	evt, err := s.parser.ParseRequest(r)
	if err != nil {
		if errors.Is(err, twiliowhatsapp.ErrInvalidSignature) {
			slog.Warn("Twilio webhook rejected: invalid signature", "remote_addr", r.RemoteAddr)
			http.Error(w, ErrInvalidSignature.Error(), http.StatusBadRequest)
			return
		}
		slog.Warn("Twilio webhook rejected", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "user_id", evt.UserID, "body_length", len(evt.Text))
	s.inbox.emit(evt)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
