// Package whatsapp connects InsightPipe to WhatsApp through a paired whatsmeow
// device: outbound text goes out with SendMessage and one-to-one text messages
// come back as inbound events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/store"
)

const (
	// DefaultSQLitePath holds the whatsmeow device store when no DSN is given.
	DefaultSQLitePath = "/var/lib/insightpipe/whatsmeow.db"
	// JIDSuffix is the server part of a one-to-one chat JID.
	JIDSuffix = "s.whatsapp.net"
	// MaxMessageLength is the per-message limit used for WhatsApp text, in characters.
	MaxMessageLength = 4096
	// ChannelName identifies whatsmeow WhatsApp in events, logs and metrics.
	ChannelName = "whatsapp"
)

var (
	ErrNotInitialized = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// WhatsAppSender sends a text body to a phone number.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts configures the device store and the pairing flow.
type Opts struct {
	DBDSN       string
	QRPath      string // pairing output goes here instead of stdout
	NumericCode bool   // print the raw pairing code instead of a QR block
}

type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN (SQLite path or PostgreSQL URL).
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes pairing codes to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client sends and receives survey messages over a paired WhatsApp device.
type Client struct {
	waClient *whatsmeow.Client
}

// dbDriver picks the sql driver for a whatsmeow DSN and reports whether a SQLite
// DSN is missing the foreign key pragma whatsmeow expects.
func dbDriver(dsn string) (driver string, missingForeignKeys bool) {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", false
	}
	return "sqlite3", !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store and connects. An unpaired device runs the
// pairing flow first, blocking until the QR channel closes.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	ctx := context.Background()

	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if wa.Store.ID != nil {
		slog.Debug("whatsapp.NewClient: device already paired")
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("whatsapp: connect: %w", err)
		}
	} else if err := pair(ctx, wa, cfg); err != nil {
		return nil, err
	}
	slog.Info("whatsapp.NewClient: connected", "jid", wa.Store.ID)
	return &Client{waClient: wa}, nil
}

func openDevice(ctx context.Context, dsn string) (*wastore.Device, error) {
	driver, missingFK := dbDriver(dsn)
	if missingFK {
		slog.Warn("whatsapp.openDevice: SQLite DSN without foreign keys; append ?_foreign_keys=on", "dsn", dsn)
	}
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}
	return device, nil
}

// pair connects an unpaired device and renders every pairing code it is offered.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.pair: device not paired, waiting for scan")
	codes, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: pairing channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect for pairing: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("whatsapp: create pairing output: %w", err)
		}
		defer f.Close()
		out = f
	}
	for item := range codes {
		if item.Event != "code" {
			slog.Info("whatsapp.pair: pairing event", "event", item.Event)
			continue
		}
		renderCode(out, item.Code, cfg.NumericCode)
	}
	return nil
}

func renderCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// SendMessage sends a text message to a phone number given as digits.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotInitialized
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Client.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("whatsapp: send to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "chars", len([]rune(body)))
	return nil
}

// OnMessage registers fn for every incoming one-to-one text message.
func (c *Client) OnMessage(fn func(models.InboundEvent)) {
	if c.waClient == nil {
		return
	}
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if inbound, ok := ConvertMessage(msg); ok {
			fn(inbound)
		}
	})
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// ConvertMessage turns a whatsmeow message event into an inbound event. Group,
// self-sent and non-text messages are rejected.
func ConvertMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}

	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("whatsapp.ConvertMessage: ignoring non-text message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}

	return models.InboundEvent{
		ID:         string(evt.Info.ID),
		Channel:    ChannelName,
		UserID:     evt.Info.Sender.User,
		Text:       text,
		ReceivedAt: evt.Info.Timestamp,
	}, true
}

// MockClient records messages instead of connecting to WhatsApp (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return m.Err
}
