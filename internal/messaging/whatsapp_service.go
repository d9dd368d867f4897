package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/whatsapp"
)

// WhatsAppService implements Channel using the Whatsmeow-based whatsapp client.
// WhatsApp has no reply tokens, so every message is pushed.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client
	inbox    *inbox
}

var _ Channel = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		inbox:  newInbox(whatsapp.ChannelName),
	}

	// Only a live client delivers inbound messages; test senders are push-only.
	if live, ok := client.(*whatsapp.Client); ok {
		service.waClient = live
	}
	slog.Debug("messaging.NewWhatsAppService: created", "inbound", service.waClient != nil)
	return service
}

func (s *WhatsAppService) Name() string { return whatsapp.ChannelName }

func (s *WhatsAppService) MaxMessageLength() int { return whatsapp.MaxMessageLength }

// Start registers the message handler on the live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: push-only sender, no inbound events")
		return nil
	}
	s.waClient.OnMessage(s.HandleIncoming)
	slog.Debug("WhatsAppService.Start: inbound handler registered")
	return nil
}

// Stop closes the events channel and disconnects the live client.
func (s *WhatsAppService) Stop() error {
	s.inbox.stop()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.inbox.events
}

// Reply is unsupported; WhatsApp events carry no reply token.
func (s *WhatsAppService) Reply(ctx context.Context, replyToken, text string) error {
	return ErrReplyUnsupported
}

func (s *WhatsAppService) Push(ctx context.Context, userID, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendMessage(ctx, userID, text)
}

// HandleIncoming queues an already converted WhatsApp message.
func (s *WhatsAppService) HandleIncoming(evt models.InboundEvent) {
	s.inbox.emit(evt)
}
