package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(Event{Type: EventTypeDebounce, RowID: "row-f-0", Token: 3})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventTypeDebounce, got.Type)
	assert.Equal(t, "row-f-0", got.RowID)
	assert.Equal(t, uint64(3), got.Token)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(Event{Type: EventTypeAuto, RowID: id})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.RowID)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Type: EventTypeAuto, RowID: "r"})

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no signal after enqueue")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close() // idempotent

	ok := q.Enqueue(Event{Type: EventTypeAuto, RowID: "late"})
	assert.False(t, ok, "enqueue after close should return false")

	select {
	case _, open := <-q.Wait():
		assert.False(t, open, "signal channel closes with the queue")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("close did not wake waiters")
	}
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(Event{Type: EventTypeAuto, RowID: "1"})
	q.Enqueue(Event{Type: EventTypeAuto, RowID: "2"})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(Event{Type: EventTypeDebounce, RowID: fmt.Sprintf("row-%d-%d", producerID, i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[e.RowID] = true
	}
	assert.Len(t, seen, producers*eventsPerProducer)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "debounce", EventTypeDebounce.String())
	assert.Equal(t, "auto", EventTypeAuto.String())
	assert.Equal(t, "unknown", EventType(0).String())
}

func TestEventQueue_DrainsAfterClose(t *testing.T) {
	q := newEventQueue()
	require.True(t, q.Enqueue(Event{Type: EventTypeDebounce, RowID: "row-f-0", Token: 1}))
	require.True(t, q.Enqueue(Event{Type: EventTypeDebounce, RowID: "row-f-1", Token: 2}))
	q.Close()

	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "row-f-0", e.RowID)
	assert.Equal(t, 1, q.Len())

	_, ok = q.TryDequeue()
	require.True(t, ok)
	_, ok = q.TryDequeue()
	assert.False(t, ok)
}
