// Package eventbus provides in-process publish/subscribe fan-out with
// bounded, drop-oldest stream queues. It is the Go counterpart of the
// Python prototype's EventBus: a table lock held only for bookkeeping,
// snapshotted before delivery so one slow or erroring subscriber never
// blocks another.
package eventbus

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType is the closed set of event tags the bus and its consumers
// recognize.
type EventType string

const (
	EventBoardUpdate    EventType = "board:update"
	EventChatMessage    EventType = "chat:message"
	EventChatStream     EventType = "chat:stream"
	EventChatStreamEnd  EventType = "chat:stream:end"
	EventTaskCreated    EventType = "task:created"
	EventTaskMoved      EventType = "task:moved"
	EventTaskDeleted    EventType = "task:deleted"
	EventAgentStatus    EventType = "agent:status"
	EventLogsNew        EventType = "logs:new"
	EventSystemHealth   EventType = "system:health"
	EventClaudeOutput   EventType = "claude:output"
	EventClaudeDone     EventType = "claude:done"
	EventClaudeError    EventType = "claude:error"
	EventTaskProgress   EventType = "task:progress"
	eventHeartbeatInternal EventType = "__heartbeat__"
)

// Event is a tagged record broadcast through the bus.
type Event struct {
	Type      EventType
	Data      map[string]any
	Timestamp time.Time
}

// Callback is invoked synchronously for each event of a subscribed type.
type Callback func(Event)

const streamCapacity = 100

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe to remove a registration. Go func values aren't comparable
// with ==, so a handle carrying a sequence number stands in for one.
type Subscription struct {
	t  EventType
	id int
}

// Bus is the central event multicaster.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]entry
	streams     map[string]*Stream
	seq         int
}

type entry struct {
	id int
	cb Callback
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]entry),
		streams:     make(map[string]*Stream),
	}
}

// Subscribe registers a callback for an event type and returns a handle
// that can be passed to Unsubscribe.
func (b *Bus) Subscribe(t EventType, cb Callback) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subscribers[t] = append(b.subscribers[t], entry{id: b.seq, cb: cb})
	return Subscription{t: t, id: b.seq}
}

// Unsubscribe removes a previously registered callback.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subscribers[sub.t]
	kept := entries[:0]
	for _, e := range entries {
		if e.id != sub.id {
			kept = append(kept, e)
		}
	}
	b.subscribers[sub.t] = kept
}

// Stream is a long-lived subscriber fed through a bounded channel. A full
// channel drops the oldest queued event to make room for the newest.
type Stream struct {
	id     string
	bus    *Bus
	events chan Event
	mu     sync.Mutex
	closed bool
}

// OpenStream creates a bounded FIFO stream for clientID.
func (b *Bus) OpenStream(clientID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Stream{id: clientID, bus: b, events: make(chan Event, streamCapacity)}
	b.streams[clientID] = s
	return s
}

// Close removes the stream from the bus and stops further delivery.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.streams, s.id)
	s.bus.mu.Unlock()
}

// Closed is returned by Next when the stream has been closed.
var Closed = Event{Type: "__closed__"}

// Next blocks for up to timeout waiting for the next event. If none
// arrives it returns a synthetic heartbeat event, so the caller never
// waits longer than timeout without receiving something. Once the stream
// has been closed it returns Closed.
func (s *Stream) Next(timeout time.Duration) Event {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Closed
	}
	select {
	case e, ok := <-s.events:
		if !ok {
			return Closed
		}
		return e
	case <-time.After(timeout):
		return Event{Type: eventHeartbeatInternal, Timestamp: time.Now().UTC()}
	}
}

// IsHeartbeat reports whether e is the synthetic keep-alive tick rather
// than a real event.
func IsHeartbeat(e Event) bool { return e.Type == eventHeartbeatInternal }

func (s *Stream) enqueue(e Event) {
	select {
	case s.events <- e:
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- e:
	default:
	}
}

// Emit delivers e to every callback subscribed to e.Type, then enqueues it
// into every open stream. A panicking callback is recovered and logged, so
// it never blocks delivery to other subscribers.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	entries := append([]entry(nil), b.subscribers[e.Type]...)
	streams := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, en := range entries {
		invokeSafely(en.cb, e)
	}
	for _, s := range streams {
		s.enqueue(e)
	}
}

func invokeSafely(cb Callback, e Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "eventbus: callback error: %v\n", r)
		}
	}()
	cb(e)
}

// EmitTyped is a convenience constructor for Emit.
func (b *Bus) EmitTyped(t EventType, data map[string]any) {
	b.Emit(Event{Type: t, Data: data})
}
