// Package notify fans out sync events to in-process subscribers and
// optional external sinks. Delivery is best-effort and at-most-once: a
// slow subscriber loses events rather than stalling a sync run.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metrics"
)

// Event types.
const (
	EventMessageStored = "message.stored"
	EventFlagsChanged  = "message.flags_changed"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Event describes one observable change. ID is assigned on publish so
// external consumers can deduplicate.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	WorkspaceID string    `json:"workspaceId"`
	Account     string    `json:"account"`
	Mailbox     string    `json:"mailbox"`
	ExternalID  string    `json:"externalId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Sink is an external event destination.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

type subscriber struct {
	ch chan Event
}

// Bus is the in-process event hub.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	sinks  []Sink
	logger *logging.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// AddSink registers an external destination. Sink failures are logged,
// never propagated.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe returns a channel of events and a cancel function. The
// channel is dropped, not closed, on cancel, so a racing Publish never
// sends on a closed channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber and sink. A full
// subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.Lock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
			metrics.EventsPublished.WithLabelValues("subscriber").Inc()
		default:
		}
	}

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.WarnContext(ctx, "event sink publish failed",
				"type", event.Type, "error", err.Error())
			continue
		}
		metrics.EventsPublished.WithLabelValues("sink").Inc()
	}
}
