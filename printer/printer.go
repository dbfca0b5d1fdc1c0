// Package printer contains the execution core: the Printer record and its
// status machine, the serial send primitives, the gcode streamer, the
// per-printer worker, and the registry that owns the workers.
package printer

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/jobs"
	"github.com/makerhub/printfarm/serial"
)

// Printer statuses.
const (
	StatusConfiguring = "configuring"
	StatusReady       = "ready"
	StatusOffline     = "offline"
	StatusPrinting    = "printing"
	StatusPaused      = "paused"
	StatusColorChange = "colorchange"
	StatusComplete    = "complete"
	StatusError       = "error"
)

// Printer is the live, in-memory printer owned by its worker. HTTP
// handlers mutate it through the setters; the worker and streamer poll
// status and the terminated flag as their control channels.
type Printer struct {
	ID          int
	Hwid        string
	Description string

	mu            sync.Mutex
	device        string
	name          string
	status        string
	errMsg        string
	extruderTemp  float64
	bedTemp       float64
	canPause      bool
	colorBuff     int
	prevMes       string
	responseCount int

	terminated atomic.Bool

	sink  events.Sink
	queue *jobs.Queue
	link  serial.Link
	open  serial.Opener

	// onLeaveError is set by the registry; any transition out of the
	// error status requests a hard reset of the owning worker.
	onLeaveError func(printerID int)
}

// Descriptor is the identity needed to (re)build a printer and its worker.
type Descriptor struct {
	ID          int
	Device      string
	Description string
	Hwid        string
	Name        string
}

// NewPrinter builds a printer in the configuring state with an empty
// queue.
func NewPrinter(d Descriptor, sink events.Sink) *Printer {
	if sink == nil {
		sink = events.Discard
	}
	return &Printer{
		ID:          d.ID,
		Hwid:        d.Hwid,
		Description: d.Description,
		device:      d.Device,
		name:        d.Name,
		status:      StatusConfiguring,
		sink:        sink,
		queue:       jobs.NewQueue(sink, d.ID),
	}
}

// Descriptor returns the identity fields needed to recreate this printer.
func (p *Printer) Descriptor() Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Descriptor{
		ID:          p.ID,
		Device:      p.device,
		Description: p.Description,
		Hwid:        p.Hwid,
		Name:        p.name,
	}
}

// Queue returns the printer's job queue.
func (p *Printer) Queue() *jobs.Queue {
	return p.queue
}

// SetQueue replaces the queue. Used by reset-with-restore.
func (p *Printer) SetQueue(q *jobs.Queue) {
	p.queue = q
}

// Device returns the current OS port path.
func (p *Printer) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// SetDevice moves the printer to a new port path after a repair.
func (p *Printer) SetDevice(device string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = device
}

// Name returns the display name.
func (p *Printer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// SetName renames the printer in memory.
func (p *Printer) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

// Status returns the current status.
func (p *Printer) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetOpener installs the serial opener used to bring the link up when
// the printer is readied. The worker sets it at construction.
func (p *Printer) SetOpener(open serial.Opener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = open
}

// ensureLink opens the serial device if no link is currently open.
// Readying a printer goes through here so the link outlives individual
// prints the way a held serial handle would.
func (p *Printer) ensureLink() {
	p.mu.Lock()
	open := p.open
	device := p.device
	link := p.link
	p.mu.Unlock()

	if link != nil && link.IsOpen() {
		return
	}
	if open == nil {
		return
	}
	fresh := open(device)
	if err := fresh.Open(); err != nil {
		log.Printf("printer %d: opening %s: %v", p.ID, device, err)
		return
	}
	p.setLink(fresh)
}

// SetStatus transitions the printer's status and emits status_update. Two
// rules apply: ready is coerced to offline while no serial link is open
// (the device is opened first when possible, so readying a reachable
// printer succeeds), and any transition out of error requests a hard
// reset of the worker.
func (p *Printer) SetStatus(status string) {
	if status == StatusReady {
		p.ensureLink()
	}

	p.mu.Lock()
	if status == StatusReady && (p.link == nil || !p.link.IsOpen()) {
		status = StatusOffline
	}
	wasError := p.status == StatusError
	p.status = status
	onLeaveError := p.onLeaveError
	p.mu.Unlock()

	p.sink.Emit(events.StatusUpdate, map[string]any{
		"printer_id": p.ID, "status": status,
	})

	if wasError && status != StatusError && onLeaveError != nil {
		go onLeaveError(p.ID)
	}
}

// Error returns the last failure message.
func (p *Printer) Error() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// SetError records a failure message and emits error_update.
func (p *Printer) SetError(msg string) {
	p.mu.Lock()
	p.errMsg = msg
	p.mu.Unlock()

	p.sink.Emit(events.ErrorUpdate, map[string]any{
		"printerid": p.ID, "error": msg,
	})
}

// Temps returns the last reported extruder and bed temperatures.
func (p *Printer) Temps() (extruder, bed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extruderTemp, p.bedTemp
}

func (p *Printer) setTemps(extruder, bed float64) {
	p.mu.Lock()
	p.extruderTemp = extruder
	p.bedTemp = bed
	p.mu.Unlock()

	p.sink.Emit(events.TempUpdate, map[string]any{
		"printerid": p.ID, "extruder_temp": extruder, "bed_temp": bed,
	})
}

// CanPause reports whether the streamer is at a point where a user pause
// is honored.
func (p *Printer) CanPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canPause
}

// SetCanPause flags pause availability and emits can_pause.
func (p *Printer) SetCanPause(v bool) {
	p.mu.Lock()
	p.canPause = v
	p.mu.Unlock()

	p.sink.Emit(events.CanPause, map[string]any{"printer_id": p.ID, "can_pause": v})
}

// ColorBuff returns the color-change buffering flag.
func (p *Printer) ColorBuff() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.colorBuff
}

// SetColorBuff sets the color-change buffering flag and emits color_buff.
// The streamer arms it at the next layer boundary after a user requests a
// color change.
func (p *Printer) SetColorBuff(v int) {
	p.mu.Lock()
	p.colorBuff = v
	p.mu.Unlock()

	p.sink.Emit(events.ColorBuff, map[string]any{"printer_id": p.ID, "color_buff": v})
}

// PrevMes returns the single-shot tag of the last special command sent.
func (p *Printer) PrevMes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prevMes
}

// SetPrevMes records the single-shot tag. The serial layer uses "M602" to
// tolerate the empty replies a resume produces.
func (p *Printer) SetPrevMes(m string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prevMes = m
}

// ResetResponseCount clears the empty-reply counter.
func (p *Printer) ResetResponseCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseCount = 0
}

// Terminated reports whether a hard reset has been requested; all worker
// loops return promptly once set.
func (p *Printer) Terminated() bool {
	return p.terminated.Load()
}

// Terminate signals the worker to abandon its current activity.
func (p *Printer) Terminate() {
	p.terminated.Store(true)
}

// Link returns the serial link, or nil when disconnected.
func (p *Printer) Link() serial.Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *Printer) setLink(l serial.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = l
}

// Snapshot is the UI shape of a live printer, embedded queue included.
type Snapshot struct {
	ID                int             `json:"id"`
	Device            string          `json:"device"`
	Description       string          `json:"description"`
	Hwid              string          `json:"hwid"`
	Name              string          `json:"name"`
	Status            string          `json:"status"`
	Error             string          `json:"error"`
	CanPause          bool            `json:"canPause"`
	ColorChangeBuffer int             `json:"colorChangeBuffer"`
	Queue             []jobs.Snapshot `json:"queue"`
}

// Snapshot returns the UI-visible state of the printer.
func (p *Printer) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		ID:                p.ID,
		Device:            p.device,
		Description:       p.Description,
		Hwid:              p.Hwid,
		Name:              p.name,
		Status:            p.status,
		Error:             p.errMsg,
		CanPause:          p.canPause,
		ColorChangeBuffer: p.colorBuff,
	}
	p.mu.Unlock()

	snap.Queue = p.queue.Snapshot()
	if snap.Queue == nil {
		snap.Queue = []jobs.Snapshot{}
	}
	return snap
}
