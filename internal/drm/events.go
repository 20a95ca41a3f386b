package drm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType classifies vendor CDM callbacks.
type EventType int

const (
	// EventMessage carries a license challenge or renewal request.
	EventMessage EventType = iota
	// EventKeyStatus reports the status of one key.
	EventKeyStatus
	// EventKeyRequired asks for a new license exchange.
	EventKeyRequired
	// EventProvisioningRequired asks for device provisioning.
	EventProvisioningRequired
	// EventClosed reports that the vendor closed the session.
	EventClosed
)

// Event is one vendor callback, queued for the owning session.
type Event struct {
	Type      EventType
	SessionID string
	Message   []byte
	KeyID     []byte
	Status    KeyStatus
}

// EventQueue buffers events until the session drains them on its own turn.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Post appends an event. It never blocks.
func (q *EventQueue) Post(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns every queued event.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Await drains events until match accepts one, polling at most attempts
// times with interval between polls. Non-matching events are passed to
// handle, when set, in arrival order.
func (q *EventQueue) Await(ctx context.Context, attempts int, interval time.Duration, match func(Event) bool, handle func(Event)) (Event, error) {
	if attempts <= 0 {
		attempts = 1
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := 0; i < attempts; i++ {
		for _, ev := range q.Drain() {
			if match(ev) {
				return ev, nil
			}
			if handle != nil {
				handle(ev)
			}
		}
		if i == attempts-1 {
			break
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
	return Event{}, fmt.Errorf("%w: no matching event after %d polls", ErrSessionLifecycle, attempts)
}

// Host routes vendor callbacks to session queues. Its mutex guarding the
// session list is the only state shared with vendor callback threads.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*EventQueue
	// orphan collects events that arrive before their session registers.
	orphan *EventQueue
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{sessions: make(map[string]*EventQueue), orphan: NewEventQueue()}
}

// Register attaches a queue to sessionID and moves any orphaned events for
// it onto the new queue.
func (h *Host) Register(sessionID string) *EventQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.sessions[sessionID]; ok {
		return q
	}
	q := NewEventQueue()
	h.sessions[sessionID] = q
	for _, ev := range h.orphan.Drain() {
		if ev.SessionID == sessionID {
			q.Post(ev)
		} else {
			h.orphan.Post(ev)
		}
	}
	return q
}

// Unregister detaches a session.
func (h *Host) Unregister(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// Post routes ev to its session queue. It is safe to call from any goroutine.
func (h *Host) Post(ev Event) {
	h.mu.Lock()
	q, ok := h.sessions[ev.SessionID]
	h.mu.Unlock()
	if ok {
		q.Post(ev)
		return
	}
	h.orphan.Post(ev)
}

// Sessions returns the number of registered sessions.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
