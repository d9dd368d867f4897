// Package messaging connects InsightPipe to chat channels. Each Channel sends
// text and emits inbound events; the Pump feeds those events to a Handler.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// Constants for channel event buffering
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an emit waits on a full buffer before dropping
	DefaultChannelTimeout = 1 * time.Second
)

// Error variables for messaging channels
var (
	ErrServiceStopped   = errors.New("messaging service is stopped")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrReplyUnsupported = errors.New("channel does not support reply tokens")
)

// Channel is a pluggable chat channel. It sends text with Reply (inside the
// reply window of an inbound event) or Push (any time), and emits inbound
// events on Events.
type Channel interface {
	// Name identifies the channel in events, logs and metrics.
	Name() string

	// MaxMessageLength is the per-message limit in characters.
	MaxMessageLength() int

	// Reply answers an inbound event using its reply token.
	Reply(ctx context.Context, replyToken, text string) error

	// Push sends text to a user at any time.
	Push(ctx context.Context, userID, text string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Events.
	Stop() error

	// Events returns a channel of inbound text messages.
	Events() <-chan models.InboundEvent
}

// inbox is the buffered, stoppable event channel shared by every Channel.
type inbox struct {
	name    string
	events  chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

// emit queues evt, dropping it when stopped or when the buffer stays full for
// DefaultChannelTimeout. It reports whether the event was queued.
func (b *inbox) emit(evt models.InboundEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging: dropping inbound event (service stopped)", "channel", b.name, "user_id", evt.UserID)
		return false
	}

	select {
	case b.events <- evt:
		slog.Debug("messaging: emitted inbound event", "channel", b.name, "user_id", evt.UserID, "event_id", evt.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: events channel blocked, dropping message", "channel", b.name, "user_id", evt.UserID, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// stop closes the events channel once; emit holds the read lock so no send
// can race the close.
func (b *inbox) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.events)
}
