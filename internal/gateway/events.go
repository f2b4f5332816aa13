package gateway

import (
	"sync"
	"time"
)

// Event names published by the gateway
const (
	EventStarted          = "gateway.started"
	EventStopped          = "gateway.stopped"
	EventMessageReceived  = "message.received"
	EventMessageResponded = "message.responded"
	EventSessionCreated   = "session.created"
	EventSessionReset     = "session.reset"
	EventAccessDenied     = "access.denied"
)

// Event is one gateway lifecycle or message event
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// EventHandler receives published events. Handlers run synchronously on
// the publishing goroutine and must not block.
type EventHandler func(Event)

// Bus is a minimal in-process pub/sub for gateway events
type Bus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all events
func (b *Bus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers an event to every subscriber
func (b *Bus) Publish(name string, fields map[string]any) {
	ev := Event{Name: name, At: time.Now(), Fields: fields}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
