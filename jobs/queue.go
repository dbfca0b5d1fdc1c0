package jobs

import (
	"errors"
	"sync"

	"github.com/makerhub/printfarm/events"
)

// ErrDuplicateJob is returned when a job id is already present in a queue.
var ErrDuplicateJob = errors.New("job id already in queue")

// ErrJobNotFound is returned when a queue operation names an absent job.
var ErrJobNotFound = errors.New("job not found in queue")

// Queue is the ordered sequence of jobs bound to one printer. Jobs are
// unique by id. Every mutating operation emits a queue_update event
// carrying the serialized queue and the owning printer id.
type Queue struct {
	mu        sync.Mutex
	sink      events.Sink
	printerID int
	jobs      []*Job
}

// NewQueue creates an empty queue owned by the given printer.
func NewQueue(sink events.Sink, printerID int) *Queue {
	if sink == nil {
		sink = events.Discard
	}
	return &Queue{sink: sink, printerID: printerID}
}

// AddToBack appends the job. Fails loudly on a duplicate id.
func (q *Queue) AddToBack(job *Job) error {
	q.mu.Lock()
	if q.indexOf(job.ID) >= 0 {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	q.emitUpdate()
	return nil
}

// AddToFront inserts the job at the head, or at index 1 when the head is
// currently printing so an active print is never displaced.
func (q *Queue) AddToFront(job *Job) error {
	q.mu.Lock()
	if q.indexOf(job.ID) >= 0 {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	q.insertFrontLocked(job)
	q.mu.Unlock()

	q.emitUpdate()
	return nil
}

func (q *Queue) insertFrontLocked(job *Job) {
	if len(q.jobs) >= 1 && q.jobs[0].Status() == StatusPrinting {
		q.jobs = append(q.jobs[:1], append([]*Job{job}, q.jobs[1:]...)...)
	} else {
		q.jobs = append([]*Job{job}, q.jobs...)
	}
}

// Reorder rebuilds the queue following the given id order. Ids not present
// in the queue are ignored; jobs not named are dropped, matching the UI's
// drag-reorder contract which always sends the full id list.
func (q *Queue) Reorder(ids []int) {
	q.mu.Lock()
	reordered := make([]*Job, 0, len(q.jobs))
	for _, id := range ids {
		if i := q.indexOf(id); i >= 0 {
			reordered = append(reordered, q.jobs[i])
		}
	}
	q.jobs = reordered
	q.mu.Unlock()

	q.emitUpdate()
}

// Bump moves the job one position up or down.
func (q *Queue) Bump(up bool, id int) error {
	q.mu.Lock()
	i := q.indexOf(id)
	if i < 0 {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if up && i > 0 {
		q.jobs[i-1], q.jobs[i] = q.jobs[i], q.jobs[i-1]
	} else if !up && i < len(q.jobs)-1 {
		q.jobs[i+1], q.jobs[i] = q.jobs[i], q.jobs[i+1]
	}
	q.mu.Unlock()

	q.emitUpdate()
	return nil
}

// BumpExtreme moves the job to the very front (respecting the printing
// head rule) or the very back.
func (q *Queue) BumpExtreme(front bool, id int) error {
	q.mu.Lock()
	i := q.indexOf(id)
	if i < 0 {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	job := q.jobs[i]
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
	if front {
		q.insertFrontLocked(job)
	} else {
		q.jobs = append(q.jobs, job)
	}
	q.mu.Unlock()

	q.emitUpdate()
	return nil
}

// Delete removes the job with the given id and returns it. The second
// return is false when the id is not queued; no error is raised.
func (q *Queue) Delete(id int) (*Job, bool) {
	q.mu.Lock()
	i := q.indexOf(id)
	if i < 0 {
		q.mu.Unlock()
		return nil, false
	}
	job := q.jobs[i]
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
	q.mu.Unlock()

	q.emitUpdate()
	return job, true
}

// Next returns the head of the queue, or nil when empty.
func (q *Queue) Next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

// JobByID returns the queued job with the given id, or nil.
func (q *Queue) JobByID(id int) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.jobs[i]
	}
	return nil
}

// Exists reports whether the id is queued.
func (q *Queue) Exists(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(id) >= 0
}

// Size returns the number of queued jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Jobs returns a copy of the queue order for iteration.
func (q *Queue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Snapshot serializes the queue for UI payloads.
func (q *Queue) Snapshot() []Snapshot {
	js := q.Jobs()
	out := make([]Snapshot, 0, len(js))
	for _, j := range js {
		out = append(out, j.Snapshot())
	}
	return out
}

func (q *Queue) indexOf(id int) int {
	for i, j := range q.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) emitUpdate() {
	q.sink.Emit(events.QueueUpdate, map[string]any{
		"queue":     q.Snapshot(),
		"printerid": q.printerID,
	})
}
