package bridge

import (
	"context"
	"sync"

	"github.com/rexliu/fedichess/pkg/proto"
)

// eventQueue is an unbounded FIFO. Consumers block on a wake channel that
// is closed and replaced on every push, so waits can be combined with
// deadlines.
type eventQueue struct {
	mu     sync.Mutex
	items  []proto.Event
	head   int
	wake   chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{})}
}

func (q *eventQueue) push(ev proto.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// close wakes all waiters. Queued events remain available.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *eventQueue) tryPop() (proto.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *eventQueue) popLocked() (proto.Event, bool) {
	if q.head == len(q.items) {
		return proto.Event{}, false
	}
	ev := q.items[q.head]
	q.items[q.head] = proto.Event{}
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 1024 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return ev, true
}

// pop blocks until an event is available, ctx is done, or the queue is
// closed and drained.
func (q *eventQueue) pop(ctx context.Context) (proto.Event, error) {
	for {
		q.mu.Lock()
		if ev, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return proto.Event{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return proto.Event{}, ctx.Err()
		}
	}
}
