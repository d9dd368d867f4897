package delivery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/metrics"
)

// DefaultReplyWindow is how long after an inbound event its reply token is
// still considered usable.
const DefaultReplyWindow = 50 * time.Second

// Channel is the outbound capability delivery needs.
type Channel interface {
	Name() string
	MaxMessageLength() int
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, userID, text string) error
}

// Target identifies where one unit of work's replies go. The reply token is
// used for at most one part across every Deliver call on the same Target.
type Target struct {
	UserID     string
	ReplyToken string
	ReceivedAt time.Time

	mu        sync.Mutex
	replyUsed bool
}

// NewTarget creates a Target for an inbound event.
func NewTarget(userID, replyToken string, receivedAt time.Time) *Target {
	return &Target{UserID: userID, ReplyToken: replyToken, ReceivedAt: receivedAt}
}

// takeReply claims the reply token if it is present, unused and inside window.
func (t *Target) takeReply(now time.Time, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replyUsed || t.ReplyToken == "" {
		return false
	}
	if !t.ReceivedAt.IsZero() && window > 0 && now.Sub(t.ReceivedAt) > window {
		return false
	}
	t.replyUsed = true
	return true
}

// Report summarizes one Deliver call.
type Report struct {
	Parts  int
	Failed int
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	Limit       int
	ReplyWindow time.Duration
	Recorder    metrics.Recorder
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithLimit overrides the channel's per-message limit.
func WithLimit(limit int) Option {
	return func(o *Opts) { o.Limit = limit }
}

// WithReplyWindow sets how long a reply token stays usable.
func WithReplyWindow(d time.Duration) Option {
	return func(o *Opts) { o.ReplyWindow = d }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// Dispatcher splits replies and sends the parts through a Channel.
type Dispatcher struct {
	channel     Channel
	limit       int
	replyWindow time.Duration
	recorder    metrics.Recorder
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher for ch.
func NewDispatcher(ch Channel, opts ...Option) *Dispatcher {
	cfg := Opts{ReplyWindow: DefaultReplyWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = ch.MaxMessageLength()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop()
	}
	return &Dispatcher{
		channel:     ch,
		limit:       limit,
		replyWindow: cfg.ReplyWindow,
		recorder:    cfg.Recorder,
		now:         time.Now,
	}
}

// Limit returns the effective per-message limit.
func (d *Dispatcher) Limit() int {
	return d.limit
}

// Deliver sends text to t as one or more ordered parts. The first part uses the
// reply token when it is still usable; every other part is pushed. A failed part
// is logged and counted, and the remaining parts are still attempted. Parts that
// are only whitespace are dropped, since channels reject blank messages.
func (d *Dispatcher) Deliver(ctx context.Context, t *Target, text string) Report {
	parts := nonBlank(Split(text, d.limit))
	if len(parts) == 0 {
		return Report{}
	}
	report := Report{Parts: len(parts)}
	channel := d.channel.Name()

	for i, part := range parts {
		var err error
		method := "push"
		if i == 0 && t.takeReply(d.now(), d.replyWindow) {
			method = "reply"
			err = d.channel.Reply(ctx, t.ReplyToken, part)
		} else {
			err = d.channel.Push(ctx, t.UserID, part)
		}
		d.recorder.ObserveDelivery(channel, method, err == nil)
		if err != nil {
			report.Failed++
			slog.Error("Dispatcher.Deliver: failed to send part", "channel", channel, "method", method, "user_id", t.UserID, "part", i+1, "parts", len(parts), "error", err)
			continue
		}
		slog.Debug("Dispatcher.Deliver: sent part", "channel", channel, "method", method, "user_id", t.UserID, "part", i+1, "parts", len(parts))
	}
	return report
}

func nonBlank(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
