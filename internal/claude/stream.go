package claude

import (
	"encoding/json"
	"sync"
)

type EventKind string

const (
	// EventOutput carries one parsed stream line as raw JSON.
	EventOutput EventKind = "output"
	// EventExit reports process termination; it is always the final event.
	EventExit EventKind = "exit"
	// EventStderr carries one line of process stderr.
	EventStderr EventKind = "stderr"
)

// Event is the tagged union a session emits.
type Event struct {
	Kind     EventKind
	Payload  json.RawMessage
	Stderr   string
	ExitCode int
}

// Subscription is the receiving end of a session's event stream. Close is
// idempotent; the handler ties it to connection close so no listener can
// outlive its connection.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// EventStream fans session events out to subscribers. A send never blocks the
// producer: a subscriber whose buffer is full is dropped, matching the bridge
// contract that viewers resynchronize through the terminal log, not here.
type EventStream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[int]chan Event)}
}

func (st *EventStream) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}
	id := st.nextID
	st.nextID++
	st.subs[id] = ch

	return &Subscription{C: ch, cancel: func() {
		st.mu.Lock()
		if existing, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(existing)
		}
		st.mu.Unlock()
	}}
}

func (st *EventStream) Publish(event Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for id, ch := range st.subs {
		select {
		case ch <- event:
		default:
			delete(st.subs, id)
			close(ch)
		}
	}
}

func (st *EventStream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
}

// SubscriberCount reports live subscriptions; zero after every consumer has
// detached.
func (st *EventStream) SubscriberCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}
