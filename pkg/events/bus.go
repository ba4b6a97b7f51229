// Package events fans out bot lifecycle events to SSE dashboard clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the bot event stream.
const (
	EventDispatch = "dispatch" // Message dispatched to a persona
	EventResponse = "response" // Assistant response delivered
	EventSummary  = "summary"  // Channel summary created
	EventStatus   = "status"   // Lifecycle/status info
	EventError    = "error"    // Error notification
)

// Event is a single event broadcast to stream subscribers.
type Event struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"` // Chat channel id
	Persona string `json:"persona,omitempty"` // Persona involved, when any
	Message string `json:"message,omitempty"` // Human-readable detail
	Level   string `json:"level,omitempty"`   // For status: "info", "warn", "error"
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// subscriber is a connected client receiving events via SSE.
type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans out events to all connected subscribers.
// Thread-safe. Subscribers that fall behind are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	// Ring buffer so new connections get recent context
	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all connected subscribers.
// Non-blocking: slow subscribers miss events and catch up via Recent.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow — drop event
		}
	}
}

// Subscribe creates a new subscriber. Returns a channel of events and a
// done handle for Unsubscribe. Caller MUST call Unsubscribe when done.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n events from the ring buffer.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	result := make([]Event, n)
	copy(result, b.recent[len(b.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
