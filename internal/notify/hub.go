// Package notify carries outbound module events to the presentation layer.
package notify

import (
	"sort"
	"sync"
	"time"
)

// Type is the kind of an outbound event.
type Type string

const (
	EventData    Type = "DATA"
	EventError   Type = "ERROR"
	EventWarning Type = "WARNING"
)

// Event is one outbound notification. For DATA, Data holds the mode
// specific summary; for ERROR and WARNING it holds a Message.
type Event struct {
	Type       Type      `json:"type"`
	Identifier string    `json:"identifier"`
	Data       any       `json:"data"`
	Time       time.Time `json:"time"`
}

// Message is the payload of ERROR and WARNING events.
type Message struct {
	Message string `json:"message"`
}

func NewError(identifier, message string) Event {
	return Event{Type: EventError, Identifier: identifier, Data: Message{Message: message}}
}

func NewWarning(identifier, message string) Event {
	return Event{Type: EventWarning, Identifier: identifier, Data: Message{Message: message}}
}

func NewData(identifier string, data any) Event {
	return Event{Type: EventData, Identifier: identifier, Data: data}
}

type subscriber struct {
	identifier string
	ch         chan Event
}

// Hub remembers the latest DATA event and the latest event of any type
// per identifier and fans events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	latest  map[string]Event
	last    map[string]Event
	subs    map[int]*subscriber
	nextID  int
	buffer  int
	changed chan struct{}
	now     func() time.Time
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	return &Hub{
		latest:  make(map[string]Event),
		last:    make(map[string]Event),
		subs:    make(map[int]*subscriber),
		buffer:  max(buffer, 1),
		changed: make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.Lock()
	h.last[e.Identifier] = e
	if e.Type == EventData {
		h.latest[e.Identifier] = e
	}
	targets := make([]chan Event, 0, len(h.subs))
	for _, s := range h.subs {
		if s.identifier == "" || s.identifier == e.Identifier {
			targets = append(targets, s.ch)
		}
	}
	// Channels are only closed under the write lock, so sending while
	// holding it is safe.
	for _, ch := range targets {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()

	if e.Type == EventData {
		h.signalChanged()
	}
}

func (h *Hub) signalChanged() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Latest returns the most recent DATA event for identifier.
func (h *Hub) Latest(identifier string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[identifier]
	return e, ok
}

// Last returns the most recent event of any type for identifier.
func (h *Hub) Last(identifier string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.last[identifier]
	return e, ok
}

// Subscribe streams events for identifier, or for every identifier when
// it is empty. The returned func cancels the subscription and closes the
// channel.
func (h *Hub) Subscribe(identifier string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	s := &subscriber{identifier: identifier, ch: make(chan Event, h.buffer)}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Forget drops everything remembered for identifier. Dropping retained
// DATA counts as a change so the snapshot is rewritten without it.
func (h *Hub) Forget(identifier string) {
	h.mu.Lock()
	_, hadData := h.latest[identifier]
	delete(h.latest, identifier)
	delete(h.last, identifier)
	h.mu.Unlock()

	if hadData {
		h.signalChanged()
	}
}

// Snapshot returns the latest DATA events ordered by identifier.
func (h *Hub) Snapshot() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	events := make([]Event, 0, len(h.latest))
	for _, e := range h.latest {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Identifier < events[j].Identifier })
	return events
}

// Restore seeds the hub with previously persisted DATA events without
// notifying subscribers. Newer events already in the hub win.
func (h *Hub) Restore(events []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		if e.Type != EventData || e.Identifier == "" {
			continue
		}
		if cur, ok := h.latest[e.Identifier]; ok && cur.Time.After(e.Time) {
			continue
		}
		h.latest[e.Identifier] = e
		if _, ok := h.last[e.Identifier]; !ok {
			h.last[e.Identifier] = e
		}
	}
}

// Changed signals after DATA is published or forgotten. Signals coalesce.
func (h *Hub) Changed() <-chan struct{} {
	return h.changed
}
