// Package line wraps the LINE Messaging API for InsightPipe.
//
// It sends text with reply tokens or push, and turns verified webhook
// callbacks into inbound events.
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// MaxMessageLength is the LINE limit for one text message, in characters.
const MaxMessageLength = 5000

// ChannelName identifies LINE in events, logs and metrics.
const ChannelName = "line"

// Error variables for the LINE client
var (
	ErrMissingCredentials = errors.New("LINE channel access token and channel secret must be provided")
	ErrInvalidSignature   = errors.New("invalid LINE signature")
)

// Sender sends text through LINE (real client or MockClient).
type Sender interface {
	ReplyText(ctx context.Context, replyToken, text string) error
	PushText(ctx context.Context, to, text string) error
}

// Opts holds configuration options for the LINE client.
type Opts struct {
	ChannelAccessToken string
	ChannelSecret      string
}

// Option defines a configuration option for the LINE client.
type Option func(*Opts)

// WithChannelAccessToken sets the channel access token used for sending.
func WithChannelAccessToken(token string) Option {
	return func(o *Opts) { o.ChannelAccessToken = token }
}

// WithChannelSecret sets the channel secret used to verify webhook signatures.
func WithChannelSecret(secret string) Option {
	return func(o *Opts) { o.ChannelSecret = secret }
}

// Client wraps the LINE Messaging API.
type Client struct {
	api    *messaging_api.MessagingApiAPI
	secret string
}

// NewClient creates a LINE client. Both the access token and the secret are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("LINE client config loaded",
		"ChannelAccessToken_set", cfg.ChannelAccessToken != "",
		"ChannelSecret_set", cfg.ChannelSecret != "")
	if cfg.ChannelAccessToken == "" || cfg.ChannelSecret == "" {
		return nil, ErrMissingCredentials
	}

	api, err := messaging_api.NewMessagingApiAPI(cfg.ChannelAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create LINE messaging client: %w", err)
	}
	return &Client{api: api, secret: cfg.ChannelSecret}, nil
}

// withContext returns a per-call copy of the API client bound to ctx. The SDK's
// WithContext mutates its receiver, so the shared client is never touched.
func (c *Client) withContext(ctx context.Context) *messaging_api.MessagingApiAPI {
	call := *c.api
	return call.WithContext(ctx)
}

// ReplyText answers an inbound event with its reply token.
func (c *Client) ReplyText(ctx context.Context, replyToken, text string) error {
	_, err := c.withContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	})
	if err != nil {
		return fmt.Errorf("failed to send LINE reply: %w", err)
	}
	return nil
}

// PushText sends a message to a user at any time.
func (c *Client) PushText(ctx context.Context, to, text string) error {
	_, err := c.withContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	}, "")
	if err != nil {
		return fmt.Errorf("failed to push LINE message to %s: %w", to, err)
	}
	return nil
}

// ParseRequest verifies the X-Line-Signature header and returns the text
// message events in the callback. Other event and message types are skipped.
func (c *Client) ParseRequest(r *http.Request) ([]models.InboundEvent, error) {
	cb, err := webhook.ParseRequest(c.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("failed to parse LINE callback: %w", err)
	}
	return convertEvents(cb.Events), nil
}

func convertEvents(evts []webhook.EventInterface) []models.InboundEvent {
	var out []models.InboundEvent
	for _, e := range evts {
		msgEvt, ok := e.(webhook.MessageEvent)
		if !ok {
			slog.Debug("line.convertEvents: ignoring non-message event", "type", fmt.Sprintf("%T", e))
			continue
		}
		text, ok := msgEvt.Message.(webhook.TextMessageContent)
		if !ok {
			slog.Debug("line.convertEvents: ignoring non-text message", "type", fmt.Sprintf("%T", msgEvt.Message))
			continue
		}
		src, ok := msgEvt.Source.(webhook.UserSource)
		if !ok || strings.TrimSpace(src.UserId) == "" {
			slog.Debug("line.convertEvents: ignoring message without a user source")
			continue
		}
		received := time.Now()
		if msgEvt.Timestamp > 0 {
			received = time.UnixMilli(msgEvt.Timestamp)
		}
		out = append(out, models.InboundEvent{
			ID:         msgEvt.WebhookEventId,
			Channel:    ChannelName,
			UserID:     src.UserId,
			Text:       text.Text,
			ReplyToken: msgEvt.ReplyToken,
			ReceivedAt: received,
		})
	}
	return out
}

// MockClient records sends instead of calling LINE (for tests).
type MockClient struct {
	Replies []SentMessage
	Pushes  []SentMessage
	Err     error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) ReplyText(ctx context.Context, replyToken, text string) error {
	m.Replies = append(m.Replies, SentMessage{To: replyToken, Body: text})
	return m.Err
}

func (m *MockClient) PushText(ctx context.Context, to, text string) error {
	m.Pushes = append(m.Pushes, SentMessage{To: to, Body: text})
	return m.Err
}
