// Package events implements the typed, synchronous publish/subscribe bus
// shared by the auth, connection, and channel state machines. Each emitter
// owns its own Bus instance; there is no process-wide registry.
package events

import (
	"reflect"
	"sync"
)

// Listener is a callback invoked with an event's payload.
type Listener func(payload any)

type listenerEntry struct {
	id     uint64
	fn     Listener
	once   bool
	active bool
}

// Bus is an insertion-ordered, per-name listener set. Emit is synchronous:
// it calls every currently active listener for name, in registration order,
// before returning. Listeners added during an Emit do not receive that
// emission; listeners removed during an Emit do not fire again in it. Bus is
// safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*listenerEntry
	nextID    uint64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		listeners: make(map[string][]*listenerEntry),
	}
}

// On registers fn to be called on every future Emit(name, ...). It returns an
// unsubscribe function equivalent to calling Off with the same listener.
func (b *Bus) On(name string, fn Listener) func() {
	return b.add(name, fn, false)
}

// Once registers fn to be called at most once, on the next Emit(name, ...).
func (b *Bus) Once(name string, fn Listener) func() {
	return b.add(name, fn, true)
}

func (b *Bus) add(name string, fn Listener, once bool) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	entry := &listenerEntry{id: b.nextID, fn: fn, once: once, active: true}
	b.listeners[name] = append(b.listeners[name], entry)
	b.mu.Unlock()

	return func() {
		b.removeEntry(name, entry.id)
	}
}

// Off removes every registration of fn for name. Comparing func values isn't
// possible in Go, so Off matches listeners by the code pointer of fn (see
// sameFunc); closures built from the same function literal share that
// pointer, so callers that need targeted removal should keep the unsubscribe
// closure returned by On/Once instead. Off(name, nil) removes nothing.
func (b *Bus) Off(name string, fn Listener) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[name]
	if len(entries) == 0 {
		return
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if fn != nil && sameFunc(e.fn, fn) {
			e.active = false
			continue
		}
		kept = append(kept, e)
	}
	b.listeners[name] = kept
}

func (b *Bus) removeEntry(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[name]
	for i, e := range entries {
		if e.id == id {
			e.active = false
			b.listeners[name] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners clears listeners for name, or every event when name is
// empty.
func (b *Bus) RemoveAllListeners(name ...string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(name) == 0 {
		for k, entries := range b.listeners {
			for _, e := range entries {
				e.active = false
			}
			delete(b.listeners, k)
		}
		return
	}
	for _, n := range name {
		for _, e := range b.listeners[n] {
			e.active = false
		}
		delete(b.listeners, n)
	}
}

// Emit invokes every active listener registered for name, in the order they
// were registered, with a stable snapshot taken before any listener runs.
func (b *Bus) Emit(name string, payload any) {
	if b == nil {
		return
	}
	b.mu.Lock()
	entries := b.listeners[name]
	snapshot := make([]*listenerEntry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	var onceFired []uint64
	for _, e := range snapshot {
		if !e.active {
			continue
		}
		e.fn(payload)
		if e.once {
			onceFired = append(onceFired, e.id)
		}
	}
	for _, id := range onceFired {
		b.removeEntry(name, id)
	}
}

// sameFunc compares two Listener values by pointer identity of their
// underlying function, which is the closest Go gets to JS-style callback
// identity; comparing func values directly panics at runtime. Prefer the
// unsubscribe closure returned by On/Once over Off when precise removal of
// one of several identical closures matters.
func sameFunc(a, b Listener) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
