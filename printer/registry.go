package printer

import (
	"sync"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/serial"
)

// Deps bundles everything a new worker needs. The registry keeps it so
// resets can rebuild workers with the same wiring.
type Deps struct {
	Sink    events.Sink
	Store   Store
	Scratch Scratch
	Open    serial.Opener
	Repair  func()
}

// Registry owns the ordered list of printer workers. Order is
// user-visible (the UI lists printers in registry order) and breaks ties
// in queue-based dispatch.
type Registry struct {
	mu      sync.Mutex
	workers []*Worker
	deps    Deps
}

// NewRegistry builds an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Sink == nil {
		deps.Sink = events.Discard
	}
	if deps.Open == nil {
		deps.Open = serial.OpenPort
	}
	return &Registry{deps: deps}
}

// CreateFromDescriptors builds and starts one worker per descriptor, in
// order. Called once at boot with the stored printers.
func (r *Registry) CreateFromDescriptors(descs []Descriptor) {
	for _, d := range descs {
		r.Add(d)
	}
}

// Add builds a worker for the descriptor, appends it, and starts it.
func (r *Registry) Add(d Descriptor) *Worker {
	w := r.build(d, nil)
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	go w.Run()
	return w
}

func (r *Registry) build(d Descriptor, keep *Printer) *Worker {
	p := NewPrinter(d, r.deps.Sink)
	if keep != nil {
		p.SetQueue(keep.Queue())
	}
	p.onLeaveError = func(id int) { r.ResetAndRestore(id) }
	return NewWorker(p, r.deps.Store, r.deps.Scratch, r.deps.Open, r.deps.Repair)
}

// FindByID returns the worker for the printer id, or nil.
func (r *Registry) FindByID(id int) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

func (r *Registry) findLocked(id int) *Worker {
	for _, w := range r.workers {
		if w.Printer.ID == id {
			return w
		}
	}
	return nil
}

// Reset hard-resets a worker: the old one is terminated and a fresh one
// is built from the same descriptor with an empty queue.
func (r *Registry) Reset(id int) bool {
	return r.reset(id, false)
}

// ResetAndRestore hard-resets a worker but carries the existing queue
// over to the replacement.
func (r *Registry) ResetAndRestore(id int) bool {
	return r.reset(id, true)
}

func (r *Registry) reset(id int, restoreQueue bool) bool {
	r.mu.Lock()
	old := r.findLocked(id)
	r.mu.Unlock()
	if old == nil {
		return false
	}

	old.Stop()

	var keep *Printer
	if restoreQueue {
		keep = old.Printer
	}
	fresh := r.build(old.Printer.Descriptor(), keep)

	r.mu.Lock()
	for i, w := range r.workers {
		if w == old {
			r.workers[i] = fresh
			break
		}
	}
	r.mu.Unlock()

	go fresh.Run()
	return true
}

// Delete stops and removes the worker for the printer id.
func (r *Registry) Delete(id int) bool {
	r.mu.Lock()
	old := r.findLocked(id)
	r.mu.Unlock()
	if old == nil {
		return false
	}

	old.Stop()

	r.mu.Lock()
	for i, w := range r.workers {
		if w == old {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return true
}

// EditName renames the in-memory printer. Persistence is the caller's
// concern.
func (r *Registry) EditName(id int, name string) bool {
	w := r.FindByID(id)
	if w == nil {
		return false
	}
	w.Printer.SetName(name)
	return true
}

// Reorder rebuilds the list in the order of ids. Unknown ids are skipped;
// workers not named keep running but drop off the visible list only if
// omitted, so callers pass the complete set.
func (r *Registry) Reorder(ids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*Worker, 0, len(r.workers))
	for _, id := range ids {
		if w := r.findLocked(id); w != nil {
			ordered = append(ordered, w)
		}
	}
	for _, w := range r.workers {
		found := false
		for _, o := range ordered {
			if o == w {
				found = true
				break
			}
		}
		if !found {
			ordered = append(ordered, w)
		}
	}
	r.workers = ordered
}

// Snapshot returns the UI state of every printer in registry order.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	workers := make([]*Worker, len(r.workers))
	copy(workers, r.workers)
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(workers))
	for _, w := range workers {
		snaps = append(snaps, w.Printer.Snapshot())
	}
	return snaps
}

// Workers returns a copy of the current worker list in registry order.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// SmallestQueue returns the id of the printer with the fewest queued
// jobs. Ties go to the earlier printer in registry order. ok is false
// when no printers are registered.
func (r *Registry) SmallestQueue() (id int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := -1
	for _, w := range r.workers {
		size := w.Printer.Queue().Size()
		if best == -1 || size < best {
			best = size
			id = w.Printer.ID
			ok = true
		}
	}
	return id, ok
}

// StopAll terminates every worker. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	workers := make([]*Worker, len(r.workers))
	copy(workers, r.workers)
	r.workers = nil
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}
