package monitor

import "sync"

// EventType names the notification channels observers can subscribe to.
type EventType string

const (
	EventOperationStarted   EventType = "operationStarted"
	EventOperationCompleted EventType = "operationCompleted"
	EventOperationFailed    EventType = "operationFailed"
	EventAlertTriggered     EventType = "alertTriggered"
	EventAlertResolved      EventType = "alertResolved"
	EventHealthCheck        EventType = "healthCheck"
)

// Event is one notification. Payload depends on the type: an
// *Operation, an *Alert, or a HealthStatus.
type Event struct {
	Type    EventType
	Payload any
}

// broadcaster fans events out to typed subscribers. Callbacks run on
// the publishing goroutine and must not block.
type broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[EventType]map[int]func(Event){}}
}

// subscribe registers a callback for one event type and returns the
// unsubscribe function.
func (b *broadcaster) subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = map[int]func(Event){}
	}
	id := b.nextID
	b.nextID++
	b.subs[t][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs[t], id)
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
