// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in InsightPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// MaxMessageLength is Twilio's limit for one WhatsApp message body, in characters.
const MaxMessageLength = 1600

// ChannelName identifies Twilio WhatsApp in events, logs and metrics.
const ChannelName = "twilio"

// Error variables for the Twilio client
var (
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("fromWhats number must be provided")
	ErrInvalidSignature   = errors.New("invalid Twilio signature")
	ErrMissingFields      = errors.New("webhook is missing From or Body")
)

// TwilioWhatsAppSender sends WhatsApp messages (real client or MockClient).
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	WebhookURL string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to verify webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number in "whatsapp:+1234567890" form.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithWebhookURL sets the public URL Twilio posts to; signatures are computed over it.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	validator  client.RequestValidator
	fromWhats  string
	webhookURL string
}

// NewClient creates a Twilio WhatsApp client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"WebhookURL_set", cfg.WebhookURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return nil, ErrMissingFrom
	}
	if cfg.WebhookURL == "" {
		slog.Warn("Twilio webhook URL not set; inbound signatures will be checked against the request URL")
	}

	rest := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     rest,
		validator:  client.NewRequestValidator(cfg.AuthToken),
		fromWhats:  cfg.FromWhats,
		webhookURL: cfg.WebhookURL,
	}, nil
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// ParseRequest verifies X-Twilio-Signature and converts the form post into an
// inbound event. The user id is the sender's number without prefix or "+".
func (c *Client) ParseRequest(r *http.Request) (models.InboundEvent, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundEvent{}, fmt.Errorf("failed to parse Twilio webhook form: %w", err)
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	url := c.webhookURL
	if url == "" {
		url = requestURL(r)
	}
	if !c.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
		return models.InboundEvent{}, ErrInvalidSignature
	}
	return ParseForm(params)
}

// ParseForm converts already verified webhook parameters into an inbound event.
func ParseForm(params map[string]string) (models.InboundEvent, error) {
	from := CanonicalNumber(params["From"])
	body := params["Body"]
	if from == "" || body == "" {
		return models.InboundEvent{}, ErrMissingFields
	}
	return models.InboundEvent{
		ID:         params["MessageSid"],
		Channel:    ChannelName,
		UserID:     from,
		Text:       body,
		ReceivedAt: time.Now(),
	}, nil
}

// CanonicalNumber strips everything but digits, so "whatsapp:+81 90-1234" becomes "81901234".
func CanonicalNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
		scheme = "http"
	} else if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// MockClient records messages instead of calling Twilio (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return m.Err
}
