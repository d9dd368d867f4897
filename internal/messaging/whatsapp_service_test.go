package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/whatsapp"
)

// Ensure WhatsAppService implements Channel interface
func TestWhatsAppService_ImplementsChannel(t *testing.T) {
	var _ Channel = (*WhatsAppService)(nil)
}

func TestWhatsAppService_Push(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)

	if err := svc.Push(context.Background(), "819012345678", "hello"); err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if len(mockClient.SentMessages) != 1 || mockClient.SentMessages[0].To != "819012345678" {
		t.Errorf("unexpected sent messages: %+v", mockClient.SentMessages)
	}
	if err := svc.Reply(context.Background(), "tok", "hello"); !errors.Is(err, ErrReplyUnsupported) {
		t.Errorf("expected ErrReplyUnsupported, got %v", err)
	}
	if svc.MaxMessageLength() != whatsapp.MaxMessageLength {
		t.Errorf("unexpected limit %d", svc.MaxMessageLength())
	}
}

func TestWhatsAppService_HandleIncoming(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.HandleIncoming(models.InboundEvent{ID: "m1", UserID: "819012345678", Text: "はい"})

	select {
	case evt := <-svc.Events():
		if evt.ID != "m1" || evt.Text != "はい" {
			t.Errorf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected event, got none")
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	evt, ok := <-svc.Events()
	if ok {
		t.Errorf("expected events channel closed, got value %v", evt)
	}
	if err := svc.Push(context.Background(), "1", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped after Stop, got %v", err)
	}
	// emitting after stop must not panic
	svc.HandleIncoming(models.InboundEvent{ID: "late"})
}
