package events

import "encoding/json"

// Event is the envelope used on every boundary in the system:
// connection <-> session <-> account <-> room <-> sub-component.
// Data is free-form and may itself be another Event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// New builds an envelope.
func New(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}

// Wrap nests an event inside an outer envelope, so a receiver can
// attribute the inner event to its origin (e.g. {type: sourceId, data: ev}).
func Wrap(outerType string, inner Event) Event {
	return Event{Type: outerType, Data: inner}
}

// DecodeData unmarshals the event payload into v. It works regardless of
// whether Data currently holds a json.RawMessage (fresh off the wire), a
// map (decoded frame) or a typed struct (in-process emit).
func (e Event) DecodeData(v any) error {
	switch d := e.Data.(type) {
	case json.RawMessage:
		return json.Unmarshal(d, v)
	case []byte:
		return json.Unmarshal(d, v)
	default:
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

// Inner extracts a nested event from Data, if Data is (or decodes to) an
// envelope. Returns false when the payload has no recognizable type tag.
func (e Event) Inner() (Event, bool) {
	if inner, ok := e.Data.(Event); ok {
		return inner, true
	}
	var inner Event
	if err := e.DecodeData(&inner); err != nil || inner.Type == "" {
		return Event{}, false
	}
	return inner, true
}
