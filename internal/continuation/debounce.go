package continuation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/continuity/continuity/internal/clock"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/events"
	"github.com/continuity/continuity/internal/events/bus"
)

// Handler consumes a published continuation event. Handler errors are logged
// and never stop delivery to other handlers or future events.
type Handler func(ctx context.Context, ev *Event) error

// debounceKey collapses repeats per session and trigger kind independently,
// so an idle trigger does not swallow a later heartbeat trigger.
type debounceKey struct {
	session string
	trigger Trigger
}

type pendingEvent struct {
	timer clock.Timer
	event *Event
}

// Bus is the single ingestion point for all detectors. Events for the same
// (session, trigger) key within the debounce window collapse into one
// delivery; explicit requests bypass debouncing entirely. Every raw signal is
// mirrored onto the event bus under signal.<kind>.<session> as it arrives,
// and collapsed deliveries under continuation.triggered.<session>, so
// external observers see both the firehose and the decisions.
type Bus struct {
	logger   *logger.Logger
	clk      clock.Clock
	window   time.Duration
	eventBus bus.EventBus

	mu      sync.Mutex
	pending map[debounceKey]*pendingEvent
	closed  bool

	handlersMu sync.RWMutex
	handlers   []Handler
}

// NewBus creates a debouncing continuation bus. eventBus may be nil when no
// external mirroring is wanted (tests).
func NewBus(window time.Duration, clk clock.Clock, eventBus bus.EventBus, log *logger.Logger) *Bus {
	return &Bus{
		logger:   log.WithFields(zap.String("component", "continuation-bus")),
		clk:      clk,
		window:   window,
		eventBus: eventBus,
		pending:  make(map[debounceKey]*pendingEvent),
	}
}

// Subscribe registers a handler for published events.
func (b *Bus) Subscribe(h Handler) {
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, h)
	b.handlersMu.Unlock()
}

// Submit ingests a detector event. For debounced triggers, any pending timer
// for the same key is cancelled and restarted; the newest event wins. For
// explicit requests the event publishes immediately.
func (b *Bus) Submit(ev *Event) {
	if ev == nil {
		return
	}

	b.mirrorSignal(ev)

	if ev.Trigger == TriggerExplicitRequest {
		b.publish(ev)
		return
	}

	key := debounceKey{session: ev.SessionName, trigger: ev.Trigger}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if p, ok := b.pending[key]; ok {
		p.timer.Stop()
	}
	p := &pendingEvent{event: ev}
	p.timer = b.clk.AfterFunc(b.window, func() { b.fire(key, p) })
	b.pending[key] = p
	b.mu.Unlock()

	b.logger.Debug("event debounced",
		zap.String("session", ev.SessionName),
		zap.String("trigger", string(ev.Trigger)))
}

// CancelSession drops all pending timers for a session. Called when the
// session terminates so stale triggers cannot fire afterwards.
func (b *Bus) CancelSession(sessionName string) {
	b.mu.Lock()
	for key, p := range b.pending {
		if key.session == sessionName {
			p.timer.Stop()
			delete(b.pending, key)
		}
	}
	b.mu.Unlock()
}

// Close cancels all pending deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for key, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, key)
	}
	b.mu.Unlock()
}

// fire publishes the pending event for key once its quiet period elapsed.
// A Submit can race with timer expiry (Stop returns false, the callback is
// already running); the identity check keeps a stale timer from flushing the
// replacement event before its own quiet period.
func (b *Bus) fire(key debounceKey, p *pendingEvent) {
	b.mu.Lock()
	if b.closed || b.pending[key] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()

	b.publish(p.event)
}

// signalSubject maps a trigger to its raw signal subject.
func signalSubject(t Trigger) string {
	switch t {
	case TriggerProcessExit:
		return events.SignalProcessExit
	case TriggerOutputIdle:
		return events.SignalOutputIdle
	case TriggerHeartbeatStale:
		return events.SignalHeartbeatStale
	case TriggerExplicitRequest:
		return events.SignalExplicit
	default:
		return ""
	}
}

// mirrorSignal publishes the raw detector signal before any debouncing, so
// external observers see every signal, not only the collapsed deliveries.
func (b *Bus) mirrorSignal(ev *Event) {
	if b.eventBus == nil {
		return
	}
	base := signalSubject(ev.Trigger)
	if base == "" {
		return
	}
	subject := events.BuildSessionSubject(base, ev.SessionName)
	busEvent := bus.NewEvent(base, "continuation-bus", map[string]interface{}{
		"event_id":     ev.ID,
		"session_name": ev.SessionName,
		"agent_id":     ev.AgentID,
		"trigger":      string(ev.Trigger),
	})
	if err := b.eventBus.Publish(context.Background(), subject, busEvent); err != nil {
		b.logger.Warn("failed to mirror raw signal",
			zap.String("session", ev.SessionName),
			zap.String("trigger", string(ev.Trigger)),
			zap.Error(err))
	}
}

// publish delivers the event to every handler sequentially and mirrors it to
// the event bus. A failing handler is logged and skipped.
func (b *Bus) publish(ev *Event) {
	b.handlersMu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.handlersMu.RUnlock()

	ctx := context.Background()
	for _, h := range handlers {
		if err := safeInvoke(ctx, h, ev); err != nil {
			b.logger.Error("continuation handler failed",
				zap.String("session", ev.SessionName),
				zap.String("trigger", string(ev.Trigger)),
				zap.Error(err))
		}
	}

	if b.eventBus != nil {
		subject := events.BuildSessionSubject(events.ContinuationTriggered, ev.SessionName)
		busEvent := bus.NewEvent(events.ContinuationTriggered, "continuation-bus", map[string]interface{}{
			"event_id":     ev.ID,
			"session_name": ev.SessionName,
			"agent_id":     ev.AgentID,
			"trigger":      string(ev.Trigger),
		})
		if err := b.eventBus.Publish(ctx, subject, busEvent); err != nil {
			b.logger.Warn("failed to mirror continuation event",
				zap.String("session", ev.SessionName),
				zap.Error(err))
		}
	}

	b.logger.Debug("continuation event published",
		zap.String("session", ev.SessionName),
		zap.String("trigger", string(ev.Trigger)),
		zap.String("event_id", ev.ID))
}

// safeInvoke shields the dispatch loop from panicking handlers.
func safeInvoke(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	return h(ctx, ev)
}

type panicError struct {
	value interface{}
}

func (e panicError) Error() string { return "handler panicked" }

func recoveredError(v interface{}) error { return panicError{value: v} }
