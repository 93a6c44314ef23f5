// Package events is the in-process pub/sub bus that ties the control plane
// together: the orchestrator, device link, GPIO server and front-ends emit
// onto it, and the WebSocket hub, MQTT bridge and Lua hooks consume it.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	CommandProcessed  = "command_processed"
	CommandRejected   = "command_rejected"
	DownloadQueued    = "download_queued"
	DownloadUpdated   = "download_updated"
	ServiceRegistered = "service_registered"
	ServiceRemoved    = "service_removed"
	ServiceHealth     = "service_health"
	GPIOChanged       = "gpio_changed"
	DeviceHandshake   = "device_handshake"
	DeviceTelemetry   = "device_telemetry"
	DeviceMessage     = "device_message"
	DeviceError       = "device_error"
	ShutdownRequested = "shutdown_requested"
)

// Event is one published occurrence.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for control-plane events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit delivers event synchronously to all matching handlers.
// A panicking handler is recovered and logged. A nil bus drops the event.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.allHandlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
