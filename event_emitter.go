package uws

import (
	"sync"
)

type callback[T any] func(T)

// EventEmitterCallback maps events (of type K) to any number of listeners
// receiving a value of type V. Server-level notifications use it; connections
// use single-handler slots instead.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
}

// NewEventEmitter creates a new EventEmitterCallback and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitterCallback[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit calls every listener of event synchronously, in registration order.
// Listeners may register further listeners; those only see later emissions.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := append([]callback[V](nil), e.listeners[event]...)
	e.lock.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Len reports the number of listeners registered for event.
func (e *EventEmitterCallback[K, V]) Len(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event])
}

// Close removes all listeners.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]callback[V])
}
