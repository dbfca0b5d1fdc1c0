package printer

import (
	"log"
	"time"

	"github.com/makerhub/printfarm/jobs"
	"github.com/makerhub/printfarm/serial"
)

// Store is the slice of persistence the worker needs: recording job
// status transitions as they happen.
type Store interface {
	UpdateJobStatus(jobID int, status string) error
}

// Scratch writes and removes the temporary decompressed G-code file a
// print streams from.
type Scratch interface {
	WriteJobFile(fileNamePk string, compressed []byte) (string, error)
	RemoveJobFile(fileNamePk string) error
}

// tickInterval is the worker's idle poll period; releasePollInterval is
// how often an accepted job is re-checked for its release flag.
var (
	tickInterval        = 2 * time.Second
	releasePollInterval = time.Second
)

// Worker runs the print loop for one printer. It owns the printer, its
// queue, and the serial link exclusively; HTTP handlers influence it only
// through the printer's status fields and the queue.
type Worker struct {
	Printer *Printer

	store   Store
	scratch Scratch
	open    serial.Opener
	repair  func()

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewWorker wires a worker around an existing printer. repair is invoked
// before each connection attempt to re-map drifted port paths; it may be
// nil.
func NewWorker(p *Printer, store Store, scratch Scratch, open serial.Opener, repair func()) *Worker {
	p.SetOpener(open)
	return &Worker{
		Printer: p,
		store:   store,
		scratch: scratch,
		open:    open,
		repair:  repair,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Notify nudges the worker to re-check its queue without waiting for the
// next tick. Non-blocking.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Stop terminates the worker: in-flight sends and streams return without
// a verdict, and Run exits. Blocks until the loop has drained.
func (w *Worker) Stop() {
	w.Printer.Terminate()
	close(w.stop)
	<-w.done
}

// Run is the worker main loop. Start it in its own goroutine.
func (w *Worker) Run() {
	defer close(w.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.notify:
		}
		if w.Printer.Terminated() {
			return
		}

		w.Printer.ResetResponseCount()
		if w.Printer.Status() == StatusReady && w.Printer.Queue().Size() > 0 {
			w.printNextInQueue()
		}
	}
}

func (w *Worker) printNextInQueue() {
	p := w.Printer
	job := p.Queue().Next()
	if job == nil {
		return
	}

	p.SetStatus(StatusPrinting)
	w.setJobStatus(job, jobs.StatusPrinting)

	if !w.awaitRelease(job) {
		if p.Terminated() {
			return
		}
		// The print was cancelled on the plate before release; record
		// it and leave the queue entry for the cancel handler.
		w.setJobStatus(job, jobs.StatusCancelled)
		return
	}

	if w.repair != nil {
		w.repair()
	}
	if err := p.Connect(w.open); err != nil {
		log.Printf("printer %d: %v", p.ID, err)
		p.Queue().Delete(job.ID)
		p.SetError(err.Error())
		p.SetStatus(StatusError)
		w.setJobStatus(job, jobs.StatusError)
		return
	}

	// Home and zero the extruder before streaming.
	for _, line := range []string{"G28", "G92 E0"} {
		if err := p.SendGcode(line); err != nil {
			log.Printf("printer %d: %v", p.ID, err)
			p.Disconnect()
			p.Queue().Delete(job.ID)
			p.SetStatus(StatusError)
			w.setJobStatus(job, jobs.StatusError)
			return
		}
		if p.Terminated() {
			p.Disconnect()
			return
		}
	}

	path, err := w.scratch.WriteJobFile(job.FileNamePk, job.File)
	if err != nil {
		log.Printf("printer %d: %v", p.ID, err)
		p.Disconnect()
		p.Queue().Delete(job.ID)
		p.SetError(err.Error())
		p.SetStatus(StatusError)
		w.setJobStatus(job, jobs.StatusError)
		return
	}
	defer func() {
		if err := w.scratch.RemoveJobFile(job.FileNamePk); err != nil {
			log.Printf("printer %d: %v", p.ID, err)
		}
	}()

	verdict := p.Stream(job, path)
	switch verdict {
	case VerdictNone:
		p.Disconnect()
	case VerdictComplete:
		p.Disconnect()
		p.SetStatus(StatusComplete)
		w.setJobStatus(job, jobs.StatusComplete)
	case VerdictError:
		p.Disconnect()
		p.Queue().Delete(job.ID)
		p.SetStatus(StatusError)
		w.setJobStatus(job, jobs.StatusError)
	case VerdictCancelled:
		if err := p.EndingSequence(job); err != nil {
			log.Printf("printer %d: %v", p.ID, err)
		}
		w.setJobStatus(job, jobs.StatusCancelled)
		p.Disconnect()
	}
}

// awaitRelease blocks until the operator releases the job (true) or the
// print is skipped by a cancel or a hard reset (false).
func (w *Worker) awaitRelease(job *jobs.Job) bool {
	for {
		if w.Printer.Terminated() {
			return false
		}
		if job.Released() == 1 {
			return true
		}
		if w.Printer.Status() == StatusComplete {
			return false
		}
		time.Sleep(releasePollInterval)
	}
}

// setJobStatus moves the in-memory job and persists the transition.
func (w *Worker) setJobStatus(job *jobs.Job, status string) {
	job.SetStatus(status)
	if w.store == nil {
		return
	}
	if err := w.store.UpdateJobStatus(job.ID, status); err != nil {
		log.Printf("job %d: persisting status %s: %v", job.ID, status, err)
	}
}
