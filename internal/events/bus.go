// Package events carries pipeline lifecycle notifications between
// components without coupling them.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. A nil *Bus is valid and drops
// everything, so components can publish unconditionally.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to every subscriber of its concrete type.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case FrameDeliveredEvent:
		event.Publish(b.dispatcher, e)
	case FrameVanishedEvent:
		event.Publish(b.dispatcher, e)
	case EncoderExitedEvent:
		event.Publish(b.dispatcher, e)
	case RelayErrorEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers a handler; its parameter type selects the events it
// receives. Returns an unsubscribe function. Unknown handler types are
// ignored.
//
//	unsub := bus.Subscribe(func(e events.FrameDeliveredEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameDeliveredEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameVanishedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EncoderExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RelayErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// Close stops the dispatcher.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.dispatcher.Close()
}
