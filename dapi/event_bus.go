package dapi

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event is one named payload delivered to subscribers.
type Event struct {
	Name string
	Data json.RawMessage
	// Sequence is the gateway sequence of a dispatch, zero for local events.
	Sequence int64
}

// Decode unmarshals the event payload into target.
func (event Event) Decode(target interface{}) error {
	if len(event.Data) == 0 {
		return nil
	}
	return json.Unmarshal(event.Data, target)
}

// EventHandler handles one event.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to subscribers in emission order. Subscribers of
// one name run in subscription order on the emitting goroutine.
type EventBus struct {
	lock        sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
	wildcard    []subscription
	onPanic     func(error)
}

// NewEventBus returns a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// SetPanicHandler sets the receiver for handler panics. Panics are
// recovered either way.
func (bus *EventBus) SetPanicHandler(handler func(error)) *EventBus {
	bus.lock.Lock()
	bus.onPanic = handler
	bus.lock.Unlock()
	return bus
}

// Subscribe registers handler for name and returns a function removing it.
// The name "*" receives every event.
func (bus *EventBus) Subscribe(name string, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	bus.lock.Lock()
	bus.nextID++
	entry := subscription{id: bus.nextID, handler: handler}
	if name == "*" {
		bus.wildcard = append(bus.wildcard, entry)
	} else {
		bus.subscribers[name] = append(bus.subscribers[name], entry)
	}
	bus.lock.Unlock()

	return func() { bus.unsubscribe(name, entry.id) }
}

func (bus *EventBus) unsubscribe(name string, id uint64) {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	remove := func(list []subscription) []subscription {
		for index, entry := range list {
			if entry.id == id {
				return append(list[:index:index], list[index+1:]...)
			}
		}
		return list
	}
	if name == "*" {
		bus.wildcard = remove(bus.wildcard)
		return
	}
	bus.subscribers[name] = remove(bus.subscribers[name])
	if len(bus.subscribers[name]) == 0 {
		delete(bus.subscribers, name)
	}
}

// Emit delivers event to the subscribers of its name, then to wildcard
// subscribers.
func (bus *EventBus) Emit(event Event) {
	bus.lock.RLock()
	named := bus.subscribers[event.Name]
	wildcard := bus.wildcard
	onPanic := bus.onPanic
	bus.lock.RUnlock()

	for _, entry := range named {
		bus.deliver(entry.handler, event, onPanic)
	}
	for _, entry := range wildcard {
		bus.deliver(entry.handler, event, onPanic)
	}
}

func (bus *EventBus) deliver(handler EventHandler, event Event, onPanic func(error)) {
	defer func() {
		if recovered := recover(); recovered != nil && onPanic != nil {
			onPanic(fmt.Errorf("event handler panic on %s: %v", event.Name, recovered))
		}
	}()
	handler(event)
}

// Count returns the number of subscribers for name.
func (bus *EventBus) Count(name string) int {
	bus.lock.RLock()
	defer bus.lock.RUnlock()
	if name == "*" {
		return len(bus.wildcard)
	}
	return len(bus.subscribers[name])
}

// Clear removes every subscriber.
func (bus *EventBus) Clear() {
	bus.lock.Lock()
	bus.subscribers = make(map[string][]subscription)
	bus.wildcard = nil
	bus.lock.Unlock()
}
