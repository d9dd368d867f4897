package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/InsightPipe/internal/metrics"
	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/store"
)

// DefaultMaxConcurrentEvents bounds how many users are handled at once.
const DefaultMaxConcurrentEvents = 16

// Handler processes one inbound event. It is called at most once at a time per user.
type Handler interface {
	HandleEvent(ctx context.Context, evt models.InboundEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt models.InboundEvent)

func (f HandlerFunc) HandleEvent(ctx context.Context, evt models.InboundEvent) { f(ctx, evt) }

// PumpOpts holds configuration options for the Pump.
type PumpOpts struct {
	MaxConcurrent int64
	Dedup         store.DedupRepo
	Recorder      metrics.Recorder
}

// PumpOption defines a configuration option for the Pump.
type PumpOption func(*PumpOpts)

// WithMaxConcurrent bounds how many events run at once across users.
func WithMaxConcurrent(n int64) PumpOption {
	return func(o *PumpOpts) { o.MaxConcurrent = n }
}

// WithDedup drops events whose id was already recorded.
func WithDedup(repo store.DedupRepo) PumpOption {
	return func(o *PumpOpts) { o.Dedup = repo }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) PumpOption {
	return func(o *PumpOpts) { o.Recorder = r }
}

// Pump reads a Channel's events and hands them to a Handler. Events for one
// user run one at a time in arrival order; different users run concurrently up
// to MaxConcurrent.
type Pump struct {
	channel  Channel
	handler  Handler
	dedup    store.DedupRepo
	recorder metrics.Recorder
	sem      *semaphore.Weighted

	mu     sync.Mutex
	queues map[string][]models.InboundEvent
	wg     sync.WaitGroup
}

// NewPump creates a Pump for ch.
func NewPump(ch Channel, h Handler, opts ...PumpOption) *Pump {
	cfg := PumpOpts{MaxConcurrent: DefaultMaxConcurrentEvents}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentEvents
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop()
	}
	return &Pump{
		channel:  ch,
		handler:  h,
		dedup:    cfg.Dedup,
		recorder: cfg.Recorder,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		queues:   make(map[string][]models.InboundEvent),
	}
}

// Start begins reading events until the channel closes or ctx is done.
// This should be called once.
func (p *Pump) Start(ctx context.Context) {
	slog.Info("Pump starting event processing", "channel", p.channel.Name())

	go func() {
		defer slog.Info("Pump stopped event processing", "channel", p.channel.Name())

		for {
			select {
			case evt, ok := <-p.channel.Events():
				if !ok {
					slog.Debug("Pump events channel closed", "channel", p.channel.Name())
					return
				}
				p.Submit(ctx, evt)

			case <-ctx.Done():
				slog.Debug("Pump stopping due to context cancellation", "channel", p.channel.Name())
				return
			}
		}
	}()
}

// Submit deduplicates evt and queues it behind any in-flight event for the same user.
func (p *Pump) Submit(ctx context.Context, evt models.InboundEvent) {
	if evt.Channel == "" {
		evt.Channel = p.channel.Name()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	} else if p.dedup != nil {
		isNew, err := p.dedup.RecordInbound(evt.ID, evt.UserID)
		if err != nil {
			slog.Error("Pump failed to record inbound event, processing anyway", "error", err, "event_id", evt.ID)
		} else if !isNew {
			slog.Info("Pump dropping duplicate event", "channel", evt.Channel, "event_id", evt.ID, "user_id", evt.UserID)
			p.recorder.ObserveInbound(evt.Channel, true)
			return
		}
	}
	p.recorder.ObserveInbound(evt.Channel, false)

	p.mu.Lock()
	q, running := p.queues[evt.UserID]
	p.queues[evt.UserID] = append(q, evt)
	if !running {
		p.wg.Add(1)
		go p.drain(ctx, evt.UserID)
	}
	p.mu.Unlock()
}

// Wait blocks until every queued event has been handled.
func (p *Pump) Wait() {
	p.wg.Wait()
}

// drain handles userID's queue until it is empty. The map entry marks the
// worker as running and is removed together with the last event.
func (p *Pump) drain(ctx context.Context, userID string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		q := p.queues[userID]
		if len(q) == 0 {
			delete(p.queues, userID)
			p.mu.Unlock()
			return
		}
		evt := q[0]
		p.queues[userID] = q[1:]
		p.mu.Unlock()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			slog.Warn("Pump dropping event, context done", "event_id", evt.ID, "user_id", userID, "error", err)
			continue
		}
		p.handle(ctx, evt)
		p.sem.Release(1)
	}
}

func (p *Pump) handle(ctx context.Context, evt models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pump recovered from panic in handler", "panic", fmt.Sprint(r), "event_id", evt.ID, "user_id", evt.UserID, "stack", string(debug.Stack()))
		}
	}()

	p.handler.HandleEvent(ctx, evt)

	if p.dedup != nil {
		if err := p.dedup.MarkProcessed(evt.ID); err != nil {
			slog.Warn("Pump failed to mark event processed", "error", err, "event_id", evt.ID)
		}
	}
}

// Pending returns the number of users with queued or in-flight events.
func (p *Pump) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}
