// Package events implements the in-memory, topic-agnostic broadcast sink
// used to publish the lifecycle and diagnostic events of §6.
package events

import (
	"sync"
	"time"
)

// Topic constants, exactly the list in §6.
const (
	TopicConnectionEstablished  = "storage:connection_established"
	TopicConnectionRetry        = "storage:connection_retry"
	TopicConnectionFailed       = "storage:connection_failed"
	TopicConnectionBlocked      = "storage:connection_blocked"
	TopicFallbackActivated      = "storage:fallback_activated"
	TopicStorageError           = "storage:error"
	TopicCompensationNeeded     = "storage:compensation_needed"
	TopicCompensationInMemory   = "storage:compensation_log_in_memory"
	TopicFatalError             = "transaction:fatal_error"
	TopicFatalCleared           = "transaction:fatal_cleared"
	TopicPartialCommit          = "transaction:partial_commit"
)

// Event is one published occurrence: a topic plus an arbitrary payload.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker is a non-blocking, topic-agnostic in-memory pub/sub bus. It
// implements txncore.EventSink via Publish.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	started     bool
}

// NewBroker creates a broker. Call Start before any events are expected to
// reach subscribers.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop. Idempotent.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	go b.run()
}

// Stop halts distribution. Subsequent Publish calls are dropped.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	close(b.stopCh)
}

// Subscribe returns a new buffered channel receiving every published event.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish implements txncore.EventSink. Never blocks the caller: if the
// broker isn't running or its event buffer is full, the event is dropped.
func (b *Broker) Publish(topic string, payload any) {
	evt := &Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return
	}
	select {
	case b.eventCh <- evt:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(evt *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			// Subscriber buffer full; drop rather than block the bus.
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
