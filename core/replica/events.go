package replica

import "goraknet/pkg/raknet"

// EventType distinguishes the notifications an EventDispatcher fans out to
// listeners that need to react to connection lifecycle changes without
// competing for Transport's single OnClose callback.
type EventType int

const (
	EventConnectionClosed EventType = iota
)

// Event carries the connection a lifecycle notification is about.
type Event struct {
	Type EventType
	Conn *raknet.Connection
}

// EventHandler handles one dispatched Event.
type EventHandler func(Event)

// EventDispatcher is a small pub-sub used to let several independent
// listeners (the replica Manager among them) observe connection lifecycle
// events that Transport only exposes as a single callback.
type EventDispatcher struct {
	handlers map[EventType][]EventHandler
}

// NewEventDispatcher returns an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{handlers: make(map[EventType][]EventHandler)}
}

// AddListener registers handler to run whenever an event of the given type
// is dispatched.
func (d *EventDispatcher) AddListener(t EventType, handler EventHandler) {
	d.handlers[t] = append(d.handlers[t], handler)
}

// Dispatch runs every listener registered for ev.Type, in registration order.
func (d *EventDispatcher) Dispatch(ev Event) {
	for _, h := range d.handlers[ev.Type] {
		h(ev)
	}
}
