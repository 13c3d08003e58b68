// internal/handler/event_bus.go
package handler

import (
	"sync"

	"console-service/internal/model"

	"go.uber.org/zap"
)

// EventBus fans session events out to per-type subscribers. Publishing
// never blocks: a full bus drops the event with a warning, and a slow
// subscriber is skipped rather than stalling distribution.
type EventBus struct {
	subscribers map[model.EventType][]chan *model.SessionEvent
	events      chan *model.SessionEvent
	mutex       sync.RWMutex
	logger      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType][]chan *model.SessionEvent),
		events:      make(chan *model.SessionEvent, 1000),
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Start runs the distribution loop until Stop is called
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.stop:
			return
		}
	}
}

// Stop shuts down the distribution loop
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.stop)
	})
}

// Publish enqueues an event for distribution
func (eb *EventBus) Publish(event *model.SessionEvent) {
	select {
	case eb.events <- event:
	default:
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.EventType)),
				zap.String("session_id", event.SessionID.String()),
			)
		}
	}
}

// Subscribe returns a channel receiving events of one type
func (eb *EventBus) Subscribe(eventType model.EventType) <-chan *model.SessionEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan *model.SessionEvent, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// SubscribeAll returns a channel receiving every session event type
func (eb *EventBus) SubscribeAll() <-chan *model.SessionEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan *model.SessionEvent, 100)
	for _, eventType := range model.AllEventTypes() {
		eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	}
	return subscriber
}

func (eb *EventBus) distributeEvent(event *model.SessionEvent) {
	eb.mutex.RLock()
	subscribers := eb.subscribers[event.EventType]
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
