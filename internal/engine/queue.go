package engine

import "sync"

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeDebounce is a cell-update debounce timer firing for a row.
	EventTypeDebounce EventType = iota + 1
	// EventTypeAuto is an auto-trigger timer firing for a row.
	EventTypeAuto
)

func (t EventType) String() string {
	switch t {
	case EventTypeDebounce:
		return "debounce"
	case EventTypeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Event is a timer firing delivered to the Run loop.
//
// Token identifies the timer that produced the event. A timer that was
// replaced or cancelled after it fired but before its event was processed
// carries a token that no longer matches, and the event is dropped.
type Event struct {
	Type  EventType
	RowID string
	Token uint64
	Epoch uint64
}

// eventQueue is an unbounded FIFO between timer goroutines and the loop.
// Enqueue never blocks, so a timer callback cannot stall on a busy loop.
//
// signal holds at most one token: any number of enqueues between two waits
// wake the loop once, and the loop drains everything with TryDequeue.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	head   int
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends e. It reports false once the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.events) {
		return Event{}, false
	}
	e := q.events[q.head]
	q.events[q.head] = Event{}
	q.head++
	if q.head == len(q.events) {
		q.events, q.head = q.events[:0], 0
	}
	return e, true
}

// Wait returns the wake-up channel. It is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) - q.head
}

// Close rejects further events and wakes every waiter. Queued events can
// still be dequeued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
