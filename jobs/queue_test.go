package jobs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerhub/printfarm/events"
)

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func newRecordingSink() *recordingSink {
	return &recordingSink{last: make(map[string]any)}
}

func (r *recordingSink) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last[event] = payload
}

func (r *recordingSink) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func testJob(id int) *Job {
	return New(events.Discard, id, "bench", nil, "cube.gcode", 1, "left printer")
}

func TestQueueUniqueness(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	j := testJob(7)

	require.NoError(t, q.AddToBack(j))
	assert.ErrorIs(t, q.AddToBack(j), ErrDuplicateJob)
	assert.ErrorIs(t, q.AddToFront(j), ErrDuplicateJob)
	assert.Equal(t, 1, q.Size())
}

func TestQueueAddToFrontPlacement(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	head := testJob(1)
	require.NoError(t, q.AddToBack(head))

	// Idle head: new job takes index 0.
	second := testJob(2)
	require.NoError(t, q.AddToFront(second))
	assert.Equal(t, 2, q.Jobs()[0].ID)

	// Printing head: new job goes to index 1.
	q.Jobs()[0].SetStatus(StatusPrinting)
	third := testJob(3)
	require.NoError(t, q.AddToFront(third))
	jobsNow := q.Jobs()
	assert.Equal(t, 2, jobsNow[0].ID)
	assert.Equal(t, 3, jobsNow[1].ID)
}

func TestQueueDelete(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	require.NoError(t, q.AddToBack(testJob(1)))
	require.NoError(t, q.AddToBack(testJob(2)))

	removed, ok := q.Delete(1)
	require.True(t, ok)
	assert.Equal(t, 1, removed.ID)
	assert.Equal(t, 1, q.Size())

	_, ok = q.Delete(99)
	assert.False(t, ok)
}

func TestQueueReorder(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.AddToBack(testJob(i)))
	}

	q.Reorder([]int{3, 1, 2})
	ids := []int{}
	for _, j := range q.Jobs() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []int{3, 1, 2}, ids)
}

func TestQueueBump(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.AddToBack(testJob(i)))
	}

	require.NoError(t, q.Bump(true, 3))
	assert.Equal(t, 3, q.Jobs()[1].ID)

	require.NoError(t, q.BumpExtreme(false, 1))
	assert.Equal(t, 1, q.Jobs()[2].ID)

	assert.ErrorIs(t, q.Bump(true, 42), ErrJobNotFound)
}

func TestQueueEmitsUpdates(t *testing.T) {
	sink := newRecordingSink()
	q := NewQueue(sink, 4)
	require.NoError(t, q.AddToBack(New(sink, 1, "n", nil, "a.gcode", 4, "p")))
	q.Delete(1)

	assert.Equal(t, 2, sink.count(events.QueueUpdate))
	payload := sink.last[events.QueueUpdate].(map[string]any)
	assert.Equal(t, 4, payload["printerid"])
}

func TestQueueNextAndLookup(t *testing.T) {
	q := NewQueue(events.Discard, 1)
	assert.Nil(t, q.Next())

	require.NoError(t, q.AddToBack(testJob(5)))
	require.NotNil(t, q.Next())
	assert.Equal(t, 5, q.Next().ID)
	assert.True(t, q.Exists(5))
	assert.False(t, q.Exists(6))
	assert.Equal(t, 5, q.JobByID(5).ID)
	assert.Nil(t, q.JobByID(6))
}
