package events

import (
	"fmt"
	"sort"
	"sync"
)

// Handler receives the payload of one emission
type Handler[T any] func(payload T)

// ListenerID identifies a registered listener for removal
type ListenerID uint64

// listener wraps a handler with its fire-once flag
type listener[T any] struct {
	id   ListenerID
	fn   Handler[T]
	once bool
}

// Emitter is a named-event dispatcher with typed payloads.
//
// Listeners for one event run synchronously, in registration order, on the
// goroutine calling Emit. Emit works on a snapshot so listeners may register
// or remove listeners (including themselves) while being dispatched.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]*listener[T]
	nextID    ListenerID
}

// NewEmitter creates an emitter with no listeners
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		listeners: make(map[string][]*listener[T]),
	}
}

// On registers fn for every emission of name
func (e *Emitter[T]) On(name string, fn Handler[T]) ListenerID {
	return e.add(name, fn, false)
}

// Once registers fn for the next emission of name only
func (e *Emitter[T]) Once(name string, fn Handler[T]) ListenerID {
	return e.add(name, fn, true)
}

func (e *Emitter[T]) add(name string, fn Handler[T], once bool) ListenerID {
	if fn == nil {
		panic(fmt.Sprintf("events: nil handler for %q", name))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], &listener[T]{id: id, fn: fn, once: once})
	return id
}

// Off removes a listener. It reports whether the listener was registered.
func (e *Emitter[T]) Off(name string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(name, id)
}

func (e *Emitter[T]) removeLocked(name string, id ListenerID) bool {
	list := e.listeners[name]
	for i, l := range list {
		if l.id != id {
			continue
		}
		rest := make([]*listener[T], 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(e.listeners, name)
		} else {
			e.listeners[name] = rest
		}
		return true
	}
	return false
}

// Emit dispatches payload to the listeners of name and returns how many ran.
// Once-listeners are removed before they are invoked, so concurrent emissions
// never run the same once-listener twice.
func (e *Emitter[T]) Emit(name string, payload T) int {
	e.mu.Lock()
	list := e.listeners[name]
	if len(list) == 0 {
		e.mu.Unlock()
		return 0
	}
	snapshot := make([]*listener[T], len(list))
	copy(snapshot, list)
	for _, l := range snapshot {
		if l.once {
			e.removeLocked(name, l.id)
		}
	}
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(payload)
	}
	return len(snapshot)
}

// ListenerCount returns the number of listeners registered for name
func (e *Emitter[T]) ListenerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// EventNames returns the sorted names that have at least one listener
func (e *Emitter[T]) EventNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveAll removes every listener of name, or of every event when name is empty
func (e *Emitter[T]) RemoveAll(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		e.listeners = make(map[string][]*listener[T])
		return
	}
	delete(e.listeners, name)
}
