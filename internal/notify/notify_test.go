package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fenilsonani/mailsync/internal/logging"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus(logging.Discard())
	events, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(context.Background(), Event{
		Type:        EventSyncCompleted,
		WorkspaceID: "ws-1",
		Account:     "user@example.com",
		Mailbox:     "INBOX",
	})

	select {
	case got := <-events:
		if got.Type != EventSyncCompleted {
			t.Errorf("type = %q", got.Type)
		}
		if got.At.IsZero() {
			t.Error("At not stamped")
		}
		if got.ID == "" {
			t.Error("ID not assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(logging.Discard())
	events, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), Event{Type: EventMessageStored})
	}

	// One buffered event survives; the rest were dropped, and Publish
	// never blocked.
	<-events
	select {
	case e := <-events:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(logging.Discard())
	events, cancel := bus.Subscribe(4)
	cancel()

	bus.Publish(context.Background(), Event{Type: EventSyncFailed})
	select {
	case e := <-events:
		t.Fatalf("event delivered after cancel: %+v", e)
	default:
	}
}

type failingSink struct{ calls int }

func (s *failingSink) Publish(ctx context.Context, event Event) error {
	s.calls++
	return errors.New("sink down")
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	bus := NewBus(logging.Discard())
	sink := &failingSink{}
	bus.AddSink(sink)

	bus.Publish(context.Background(), Event{Type: EventSyncCompleted})
	bus.Publish(context.Background(), Event{Type: EventSyncCompleted})

	if sink.calls != 2 {
		t.Errorf("sink calls = %d, want every publish attempted", sink.calls)
	}
}
