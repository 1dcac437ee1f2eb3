package events

import (
	"testing"
	"time"
)

func TestPublishBroadcastsToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(TopicFallbackActivated, map[string]any{"mode": "in_memory"})

	select {
	case evt := <-sub:
		if evt.Topic != TopicFallbackActivated {
			t.Fatalf("expected topic %q, got %q", TopicFallbackActivated, evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast event")
	}
}

func TestPublishBeforeStartIsDropped(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Publish(TopicStorageError, "boom")

	select {
	case <-sub:
		t.Fatalf("expected no event before Start()")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}
