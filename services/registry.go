package services

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw JSON payload of one realtime event.
type Handler func(payload json.RawMessage)

type handlerEntry struct {
	id   int
	fn   Handler
	once bool
}

// handlerRegistry keys handlers by event name so they can be bulk-removed on
// cleanup. It is instance-scoped: each ChannelManager owns exactly one, which
// keeps repeated join/leave cycles from accumulating stale handlers.
type handlerRegistry struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]handlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string][]handlerEntry)}
}

func (r *handlerRegistry) add(event string, fn Handler, once bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[event] = append(r.handlers[event], handlerEntry{id: r.nextID, fn: fn, once: once})
	return r.nextID
}

// remove deletes the given handler ids for an event. With no ids it removes
// every handler registered for the event.
func (r *handlerRegistry) remove(event string, ids ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) == 0 {
		delete(r.handlers, event)
		return
	}
	kept := r.handlers[event][:0]
	for _, entry := range r.handlers[event] {
		drop := false
		for _, id := range ids {
			if entry.id == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, event)
	} else {
		r.handlers[event] = kept
	}
}

func (r *handlerRegistry) removeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]handlerEntry)
}

// dispatch invokes every handler registered for the event. One-shot handlers
// are unregistered before their callback runs.
func (r *handlerRegistry) dispatch(event string, payload json.RawMessage) {
	r.mu.Lock()
	entries := make([]handlerEntry, len(r.handlers[event]))
	copy(entries, r.handlers[event])
	kept := r.handlers[event][:0]
	for _, entry := range r.handlers[event] {
		if !entry.once {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, event)
	} else {
		r.handlers[event] = kept
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.fn(payload)
	}
}
