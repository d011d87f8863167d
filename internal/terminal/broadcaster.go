package terminal

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans one terminal's events out to every subscriber in append
// order. A slow subscriber never blocks the producer: undeliverable output is
// collapsed into a single queue_overflow gap that is flushed ahead of the
// next frame the subscriber can accept, so loss is always explicit and
// delivery order is preserved per subscriber.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int64]*eventSubscriber
	closed bool
	seq    int64
}

type eventSubscriber struct {
	ch chan Event
	// lostFrom/lostTo accumulate output sequence numbers dropped while the
	// channel was full; zero lostFrom means no gap is owed.
	lostFrom int64
	lostTo   int64
	// pending holds non-output events that could not be sent; they are never
	// collapsed.
	pending []Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int64]*eventSubscriber),
	}
}

// Subscribe registers a new consumer. The returned cancel is idempotent and
// closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := atomic.AddInt64(&b.seq, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = &eventSubscriber{ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
		b.mu.Unlock()
	}
}

// Broadcast delivers event to every subscriber, deferring what does not fit.
func (b *Broadcaster) Broadcast(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		b.deliverLocked(sub, event)
	}
}

func (b *Broadcaster) deliverLocked(sub *eventSubscriber, event Event) {
	if !b.flushLocked(sub) {
		b.deferLocked(sub, event)
		return
	}
	select {
	case sub.ch <- event:
	default:
		b.deferLocked(sub, event)
	}
}

// flushLocked drains any owed gap and pending events. Returns false while a
// backlog remains, so later frames cannot overtake it.
func (b *Broadcaster) flushLocked(sub *eventSubscriber) bool {
	if sub.lostFrom > 0 {
		gap := Event{Kind: EventGap, Gap: &Gap{FromSeq: sub.lostFrom, ToSeq: sub.lostTo, Reason: GapQueueOverflow}}
		select {
		case sub.ch <- gap:
			sub.lostFrom, sub.lostTo = 0, 0
		default:
			return false
		}
	}
	for len(sub.pending) > 0 {
		select {
		case sub.ch <- sub.pending[0]:
			sub.pending = sub.pending[1:]
		default:
			return false
		}
	}
	return true
}

func (b *Broadcaster) deferLocked(sub *eventSubscriber, event Event) {
	if event.Kind == EventOutput {
		if sub.lostFrom == 0 {
			sub.lostFrom = event.Output.SeqStart
		}
		sub.lostTo = event.Output.SeqEnd
		return
	}
	sub.pending = append(sub.pending, event)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription after flushing what fits.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		b.flushLocked(sub)
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}
