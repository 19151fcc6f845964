// Package events provides the non-blocking pub/sub bus that carries
// confirmation and plan lifecycle events to the approver transports.
package events

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventConfirmationRequested is published when the gateway creates a
	// pending confirmation request.
	EventConfirmationRequested EventType = "confirmation_requested"
	// EventConfirmationResolved is published when a request reaches a
	// terminal status (approved, denied or timed out).
	EventConfirmationResolved EventType = "confirmation_resolved"
	// EventTaskStarted is published when the planner dispatches a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskFinished is published when a task reaches a terminal status.
	EventTaskFinished EventType = "task_finished"
	// EventPlanFinished is published when a plan reaches a terminal status.
	EventPlanFinished EventType = "plan_finished"
	// EventIntegrityViolation is published when the integrity watcher
	// detects a modified protected file.
	EventIntegrityViolation EventType = "integrity_violation"
)

// Event is one published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one event type.
type Subscriber func(Event)

// Bus delivers events asynchronously over buffered channels. Publishing
// never blocks: when a subscriber's buffer is full the event is dropped for
// that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on a dedicated goroutine; a panic in fn is recovered so it cannot
// take down the bus.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to every subscriber of eventType without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
