package events

import (
	"sync"

	"github.com/google/uuid"
)

// Listener handles one emitted event.
type Listener func(Event)

// Sink receives events no listener handled.
type Sink func(Event)

type listenerEntry struct {
	id        string
	eventType string
	fn        Listener
	once      bool
}

// Emitter is the in-process publish/subscribe primitive every stateful
// component is built on. Emit reports back whether anyone handled the
// event: a nil return means at least one listener ran, a non-nil return
// hands the unhandled envelope back to the caller (and to the sink, when
// one is configured). Callers use that as an implicit fallback mechanism
// rather than an error.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listenerEntry // eventType -> ordered entries
	byID      map[string]*listenerEntry
	sink      Sink
}

// NewEmitter creates an emitter. sink may be nil.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{
		listeners: make(map[string][]*listenerEntry),
		byID:      make(map[string]*listenerEntry),
		sink:      sink,
	}
}

// On registers fn for eventType and returns a listener id for Off.
func (e *Emitter) On(eventType string, fn Listener) string {
	return e.add(eventType, fn, false)
}

// Once registers fn for a single delivery.
func (e *Emitter) Once(eventType string, fn Listener) string {
	return e.add(eventType, fn, true)
}

func (e *Emitter) add(eventType string, fn Listener, once bool) string {
	entry := &listenerEntry{
		id:        uuid.NewString(),
		eventType: eventType,
		fn:        fn,
		once:      once,
	}
	e.mu.Lock()
	e.listeners[eventType] = append(e.listeners[eventType], entry)
	e.byID[entry.id] = entry
	e.mu.Unlock()
	return entry.id
}

// Off removes a listener by id. Safe to call from within a handler.
func (e *Emitter) Off(listenerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(listenerID)
}

func (e *Emitter) remove(listenerID string) {
	entry, ok := e.byID[listenerID]
	if !ok {
		return
	}
	delete(e.byID, listenerID)
	list := e.listeners[entry.eventType]
	for i, l := range list {
		if l.id == listenerID {
			e.listeners[entry.eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.listeners[entry.eventType]) == 0 {
		delete(e.listeners, entry.eventType)
	}
}

// Release removes every listener for eventType, or every listener the
// emitter holds when eventType is empty.
func (e *Emitter) Release(eventType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if eventType == "" {
		e.listeners = make(map[string][]*listenerEntry)
		e.byID = make(map[string]*listenerEntry)
		return
	}
	for _, entry := range e.listeners[eventType] {
		delete(e.byID, entry.id)
	}
	delete(e.listeners, eventType)
}

// Emit delivers ev to every listener registered for its type. Returns nil
// when at least one listener handled it, otherwise the unhandled envelope.
// Listeners run outside the emitter lock, so a handler may call On/Off/Emit
// without deadlocking.
func (e *Emitter) Emit(ev Event) *Event {
	e.mu.Lock()
	entries := e.listeners[ev.Type]
	if len(entries) == 0 {
		sink := e.sink
		e.mu.Unlock()
		if sink != nil {
			sink(ev)
		}
		return &ev
	}
	snapshot := make([]*listenerEntry, len(entries))
	copy(snapshot, entries)
	for _, entry := range snapshot {
		if entry.once {
			e.remove(entry.id)
		}
	}
	e.mu.Unlock()

	for _, entry := range snapshot {
		entry.fn(ev)
	}
	return nil
}

// ListenerCount reports how many listeners are registered for eventType.
func (e *Emitter) ListenerCount(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[eventType])
}
