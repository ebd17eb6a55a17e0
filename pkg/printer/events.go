package printer

import "sync"

// EventKind identifies a session notification.
type EventKind int

const (
	// EventConnect fires once when Open binds an endpoint pair.
	EventConnect EventKind = iota
	// EventClose fires when Close finishes.
	EventClose
	// EventAttach fires when a hot-plug attach rebinds a device to a
	// session that had none. The session stays closed; call Open.
	EventAttach
	// EventDetach fires when the bound device is physically removed.
	EventDetach
	// EventDisconnect fires right after EventDetach, for observers that
	// only care that the connection is gone.
	EventDisconnect
	// EventData fires before every write transfer with the outgoing
	// payload. It signals intent, not confirmed delivery.
	EventData
	// EventError fires when a write transfer fails.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventDisconnect:
		return "disconnect"
	case EventData:
		return "data"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a session notification. Data is set for EventData, Err for
// EventError.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

type observers struct {
	mu     sync.Mutex
	next   int
	byID   map[int]func(Event)
	sorted []int // registration order, so handlers see events in a stable order
}

func newObservers() *observers {
	return &observers{byID: make(map[int]func(Event))}
}

func (o *observers) add(fn func(Event)) (cancel func()) {
	o.mu.Lock()
	id := o.next
	o.next++
	o.byID[id] = fn
	o.sorted = append(o.sorted, id)
	o.mu.Unlock()
	return func() { o.remove(id) }
}

func (o *observers) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byID, id)
	for i, other := range o.sorted {
		if other == id {
			o.sorted = append(o.sorted[:i], o.sorted[i+1:]...)
			break
		}
	}
}

func (o *observers) emit(ev Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.sorted))
	for _, id := range o.sorted {
		fns = append(fns, o.byID[id])
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID = make(map[int]func(Event))
	o.sorted = nil
}
