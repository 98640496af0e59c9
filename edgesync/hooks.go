package edgesync

import (
	"context"
	"sync"
	"time"

	"github.com/medtranslate/edge-sync/logging"
)

// Hook is a best-effort callback run around a sync cycle. Errors are logged,
// never propagated: a failing hook must not abort the cycle.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// HookRegistry holds pre- and post-sync hooks. Hooks run sequentially in
// registration order.
type HookRegistry struct {
	mu   sync.RWMutex
	pre  []namedHook
	post []namedHook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// RegisterPreSync adds a hook run before each cycle's connectivity probe.
func (r *HookRegistry) RegisterPreSync(name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pre = append(r.pre, namedHook{name: name, fn: fn})
}

// RegisterPostSync adds a hook run after each cycle's metrics are persisted.
func (r *HookRegistry) RegisterPostSync(name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post = append(r.post, namedHook{name: name, fn: fn})
}

func (r *HookRegistry) runPre(ctx context.Context, logger *logging.Logger) {
	r.run(ctx, logger, "pre_sync", r.snapshot(&r.pre))
}

func (r *HookRegistry) runPost(ctx context.Context, logger *logging.Logger) {
	r.run(ctx, logger, "post_sync", r.snapshot(&r.post))
}

func (r *HookRegistry) snapshot(list *[]namedHook) []namedHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedHook, len(*list))
	copy(out, *list)
	return out
}

func (r *HookRegistry) run(ctx context.Context, logger *logging.Logger, phase string, hooks []namedHook) {
	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil && logger != nil {
					logger.Error("hook panicked", "phase", phase, "hook", h.name, "panic", rec)
				}
			}()
			if err := h.fn(ctx); err != nil && logger != nil {
				logger.Warn("hook failed", "phase", phase, "hook", h.name, "error", err)
			}
		}()
	}
}

// EventKind enumerates the cross-module notifications the engine emits.
type EventKind string

const (
	EventOfflinePredicted EventKind = "offline_predicted"
	EventStorageCritical  EventKind = "storage_critical"
	EventSyncComplete     EventKind = "sync_complete"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Payload interface{}
}

// EventBus delivers typed events to per-kind subscriber lists. Handlers run
// sequentially, best-effort; a panicking handler is recovered and skipped.
type EventBus struct {
	mu     sync.RWMutex
	logger *logging.Logger
	subs   map[EventKind][]func(Event)
}

func NewEventBus(logger *logging.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[EventKind][]func(Event)),
	}
}

// Subscribe registers a handler for one event kind.
func (b *EventBus) Subscribe(kind EventKind, handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], handler)
}

// Publish delivers an event to every subscriber of its kind, in
// subscription order.
func (b *EventBus) Publish(kind EventKind, payload interface{}) {
	b.mu.RLock()
	handlers := make([]func(Event), len(b.subs[kind]))
	copy(handlers, b.subs[kind])
	b.mu.RUnlock()

	ev := Event{Kind: kind, Time: time.Now(), Payload: payload}
	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil && b.logger != nil {
					b.logger.Error("event handler panicked", "kind", kind, "panic", rec)
				}
			}()
			h(ev)
		}()
	}
}
