// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for a pose sync session
const (
	// Session lifecycle
	EventTypeSessionStarted EventType = "session.started"
	EventTypeSessionStopped EventType = "session.stopped"

	// Capture events
	EventTypeCaptureAcquired EventType = "capture.acquired"
	EventTypeCaptureFailed   EventType = "capture.failed"
	EventTypeCaptureReleased EventType = "capture.released"

	// Pose events
	EventTypePoseDetected EventType = "pose.detected"
	EventTypePoseDropped  EventType = "pose.dropped"

	// Avatar events
	EventTypeSceneLoaded     EventType = "avatar.scene_loaded"
	EventTypeSceneLoadFailed EventType = "avatar.scene_load_failed"

	// Channel events
	EventTypeChannelState EventType = "channel.state_changed"

	// Voice events
	EventTypeVoiceStarted  EventType = "voice.started"
	EventTypeVoiceClip     EventType = "voice.clip"
	EventTypeVoiceResponse EventType = "voice.response"

	// Gesture events
	EventTypeGestureDetected EventType = "gesture.detected"

	// Calibration events
	EventTypeCalibrationStep EventType = "calibration.step"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers.
// Handlers run in their own goroutines so a slow subscriber never stalls the publisher.
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}
