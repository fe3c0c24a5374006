// Package bus is the in-process event bus for operational events (session state
// changes, delivery failures, command runs). Chat updates do not travel here; they
// live in the update log.
package bus

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Event is one operational occurrence. Seq is assigned by Emit and increases by
// one per event, so a stream consumer can tell when it missed some.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is called synchronously from Emit.
type EventHandler func(Event)

// DefaultHistory is how many events the bus keeps for Replay and Recent.
const DefaultHistory = 1000

// EventBus fans events out to handlers registered by pattern and keeps the
// newest events in a ring.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]subscription
	nextID int64
	seq    int64
	ring   []Event
	head   int // index of the oldest event once the ring is full
	full   bool
}

type subscription struct {
	pattern string
	handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusSize(DefaultHistory, logger)
}

// NewEventBusSize keeps the newest n events.
func NewEventBusSize(n int, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if n < 1 {
		n = 1
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[int64]subscription),
		ring:   make([]Event, 0, n),
	}
}

// Match reports whether an event type matches a pattern: "*" matches all,
// "session.*" matches every type under "session.", anything else is exact.
func Match(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	default:
		return pattern == eventType
	}
}

// On registers handler for events matching pattern. The returned func removes it.
func (eb *EventBus) On(pattern string, handler EventHandler) (off func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs[id] = subscription{pattern: pattern, handler: handler}
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, id)
			eb.mu.Unlock()
		})
	}
}

// Emit stamps the event, records it and runs the matching handlers in
// registration order. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.seq++
	event.Seq = eb.seq
	eb.record(event)
	ids := make([]int64, 0, len(eb.subs))
	for id, s := range eb.subs {
		if Match(s.pattern, event.Type) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = eb.subs[id].handler
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "seq", event.Seq, "panic", r)
		}
	}()
	h(event)
}

// record appends to the ring; callers hold mu.
func (eb *EventBus) record(event Event) {
	if !eb.full {
		eb.ring = append(eb.ring, event)
		eb.full = len(eb.ring) == cap(eb.ring)
		return
	}
	eb.ring[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.ring)
}

// each visits retained events oldest first until fn returns false; callers hold mu.
func (eb *EventBus) each(fn func(Event) bool) {
	n := len(eb.ring)
	for i := 0; i < n; i++ {
		if !fn(eb.ring[(eb.head+i)%n]) {
			return
		}
	}
}

// Replay returns retained events matching pattern at or after since, oldest first.
func (eb *EventBus) Replay(pattern string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	eb.each(func(e Event) bool {
		if !e.Timestamp.Before(since) && Match(pattern, e.Type) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Recent returns up to n of the newest events whose type ends with suffix,
// oldest first.
func (eb *EventBus) Recent(suffix string, n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var matched []Event
	eb.each(func(e Event) bool {
		if strings.HasSuffix(e.Type, suffix) {
			matched = append(matched, e)
		}
		return true
	})
	if len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}

// Len is the number of retained events.
func (eb *EventBus) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.ring)
}

// LastSeq is the sequence number of the newest event, 0 before the first.
func (eb *EventBus) LastSeq() int64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Well-known event types. Every failure event ends in ".error".
const (
	EventSessionState      = "session.state"
	EventSessionError      = "session.error"
	EventSessionHeartbeat  = "session.heartbeat"
	EventChallengeIssued   = "session.challenge"
	EventWebhookSet        = "webhook.set"
	EventWebhookDeleted    = "webhook.deleted"
	EventWebhookError      = "webhook.error"
	EventMirrorError       = "mirror.error"
	EventCommandExecuted   = "command.executed"
	EventCommandError      = "command.error"
	EventIngressError      = "ingress.error"
	EventPluginsReloaded   = "plugins.reloaded"
	EventTaskRun           = "task.run"
	EventFilesSwept        = "files.swept"
	EventStoreArchiveError = "store.error"
)

// ErrorSuffix selects failure events in Recent.
const ErrorSuffix = ".error"
