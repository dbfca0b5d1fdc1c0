// Package jobs holds the unit of work (a print job), its time bookkeeping,
// and the per-printer ordered queue. Job and Queue push every state change
// through an events.Sink so the UI stays consistent without polling.
package jobs

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/makerhub/printfarm/events"
)

// Job statuses.
const (
	StatusInQueue     = "inqueue"
	StatusPrinting    = "printing"
	StatusPaused      = "paused"
	StatusColorChange = "colorchange"
	StatusComplete    = "complete"
	StatusCancelled   = "cancelled"
	StatusError       = "error"
)

// Clock indices used by the set_time event.
const (
	ClockTotal   = 0 // total print seconds
	ClockETA     = 1
	ClockStarted = 2
	ClockPaused  = 3
)

// Clock tracks a job's time telemetry. Zero time.Time values mean "unset";
// in particular a zero PausedAt means the job is not paused.
type Clock struct {
	TotalSeconds int
	ETA          time.Time
	StartedAt    time.Time
	PausedAt     time.Time
}

// Job is one print job. It lives in exactly one printer's queue from
// enqueue until a terminal status, and forever in the store.
type Job struct {
	mu   sync.Mutex
	sink events.Sink

	ID               int
	Name             string
	File             []byte // gzip-compressed gcode
	FileNameOriginal string
	FileNamePk       string
	PrinterID        int
	PrinterName      string
	TdID             int
	ErrorID          int
	Comments         string
	Filament         string
	Favorite         bool
	Date             time.Time

	status             string
	progress           float64
	released           int
	filePause          int
	extruded           int
	timeStarted        int
	sentLines          int
	maxLayerHeight     float64
	currentLayerHeight float64
	clock              Clock
}

// New creates a job with the given identity fields in the inqueue state.
// The FileNamePk is derived from the original name and the store-assigned
// id: <base>_<id><ext>.
func New(sink events.Sink, id int, name string, file []byte, fileNameOriginal string, printerID int, printerName string) *Job {
	if sink == nil {
		sink = events.Discard
	}
	return &Job{
		sink:             sink,
		ID:               id,
		Name:             name,
		File:             file,
		FileNameOriginal: fileNameOriginal,
		FileNamePk:       FileNamePk(fileNameOriginal, id),
		PrinterID:        printerID,
		PrinterName:      printerName,
		status:           StatusInQueue,
		Date:             time.Now(),
	}
}

// FileNamePk derives the unique on-disk file name for a job.
func FileNamePk(original string, id int) string {
	ext := filepath.Ext(original)
	base := strings.TrimSuffix(original, ext)
	return fmt.Sprintf("%s_%d%s", base, id, ext)
}

// Status returns the current job status.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus updates the job status. Status persistence and the
// job_status_update event are the store's concern; in-memory status has no
// event of its own.
func (j *Job) SetStatus(status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
}

// Progress returns the current progress percentage.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress applies a new progress value only while the job is printing
// and emits progress_update. Values are percentages, 0-100.
func (j *Job) SetProgress(progress float64) {
	j.mu.Lock()
	if j.status != StatusPrinting {
		j.mu.Unlock()
		return
	}
	j.progress = progress
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.ProgressUpdate, map[string]any{
		"job_id": id, "progress": progress,
	})
}

// Released reports whether the user has released the job for printing.
func (j *Job) Released() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.released
}

// Release latches the job as released. The latch is one-way: the core
// never clears it.
func (j *Job) Release() {
	j.mu.Lock()
	j.released = 1
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.ReleaseJob, map[string]any{"job_id": id, "released": 1})
}

// FilePause reports whether the streamer is inside a pause initiated by an
// M600 in the file or by a user color change.
func (j *Job) FilePause() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.filePause
}

// SetFilePause sets the pause flag and emits file_pause_update.
func (j *Job) SetFilePause(pause int) {
	j.mu.Lock()
	j.filePause = pause
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.FilePauseUpdate, map[string]any{"job_id": id, "file_pause": pause})
}

// Extruded reports whether the job has reached its first extrusion marker.
func (j *Job) Extruded() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.extruded
}

// SetExtruded sets the extrusion flag and emits extruded_update.
func (j *Job) SetExtruded(extruded int) {
	j.mu.Lock()
	j.extruded = extruded
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.ExtrudedUpdate, map[string]any{"job_id": id, "extruded": extruded})
}

// TimeStarted reports whether the print-start marker has been seen.
func (j *Job) TimeStarted() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.timeStarted
}

// SetTimeStarted sets the start flag and emits set_time_started.
func (j *Job) SetTimeStarted(started int) {
	j.mu.Lock()
	j.timeStarted = started
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.SetTimeStarted, map[string]any{"job_id": id, "started": started})
}

// SentLines returns the per-job counter of transmitted command lines.
func (j *Job) SentLines() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sentLines
}

// SetSentLines records the number of command lines sent so far. Telemetry
// only; no event.
func (j *Job) SetSentLines(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sentLines = n
}

// MaxLayerHeight returns the pre-scanned final layer height.
func (j *Job) MaxLayerHeight() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.maxLayerHeight
}

// SetMaxLayerHeight records the file's final layer height and emits
// max_layer_height.
func (j *Job) SetMaxLayerHeight(h float64) {
	j.mu.Lock()
	j.maxLayerHeight = h
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.MaxLayerHeight, map[string]any{"job_id": id, "max_layer_height": h})
}

// CurrentLayerHeight returns the height of the layer being printed.
func (j *Job) CurrentLayerHeight() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentLayerHeight
}

// SetCurrentLayerHeight records the in-progress layer height and emits
// current_layer_height.
func (j *Job) SetCurrentLayerHeight(h float64) {
	j.mu.Lock()
	j.currentLayerHeight = h
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.CurrentLayerHeight, map[string]any{"job_id": id, "current_layer_height": h})
}

// Clock returns a copy of the job's time telemetry.
func (j *Job) Clock() Clock {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clock
}

// SetTotalSeconds stores the total print time estimate and emits set_time
// with index 0 carrying a plain integer seconds count.
func (j *Job) SetTotalSeconds(total int) {
	j.mu.Lock()
	j.clock.TotalSeconds = total
	id := j.ID
	j.mu.Unlock()

	j.sink.Emit(events.SetTime, map[string]any{"job_id": id, "new_time": total, "index": ClockTotal})
}

// SetETA stores the estimated completion time.
func (j *Job) SetETA(t time.Time) {
	j.mu.Lock()
	j.clock.ETA = t
	id := j.ID
	j.mu.Unlock()

	j.emitTime(id, t, ClockETA)
}

// SetStartedAt stores the moment streaming reached the print-start marker.
func (j *Job) SetStartedAt(t time.Time) {
	j.mu.Lock()
	j.clock.StartedAt = t
	id := j.ID
	j.mu.Unlock()

	j.emitTime(id, t, ClockStarted)
}

// SetPausedAt stores the moment a pause began. A zero time clears it.
func (j *Job) SetPausedAt(t time.Time) {
	j.mu.Lock()
	j.clock.PausedAt = t
	id := j.ID
	j.mu.Unlock()

	j.emitTime(id, t, ClockPaused)
}

func (j *Job) emitTime(id int, t time.Time, index int) {
	iso := ""
	if !t.IsZero() {
		iso = t.Format(time.RFC3339)
	}
	j.sink.Emit(events.SetTime, map[string]any{"job_id": id, "new_time": iso, "index": index})
}

// CalculateETA returns now plus the total estimated seconds.
func (j *Job) CalculateETA() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Now().Add(time.Duration(j.clock.TotalSeconds) * time.Second)
}

// ColorETA advances the stored ETA by the time spent paused so far.
func (j *Job) ColorETA() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clock.ETA.Add(time.Since(j.clock.PausedAt))
}

// ColorChangeTotal returns the total seconds estimate grown by the time
// spent in the current pause.
func (j *Job) ColorChangeTotal() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clock.TotalSeconds + int(time.Since(j.clock.PausedAt).Seconds())
}

// Snapshot is the JSON shape of a job pushed to the UI inside queue_update
// and the registry snapshot.
type Snapshot struct {
	ID                 int     `json:"id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	Date               string  `json:"date"`
	PrinterID          int     `json:"printerid"`
	ErrorID            int     `json:"errorid"`
	FileNameOriginal   string  `json:"file_name_original"`
	Progress           float64 `json:"progress"`
	Favorite           bool    `json:"favorite"`
	Released           int     `json:"released"`
	FilePause          int     `json:"file_pause"`
	Comments           string  `json:"comments"`
	Extruded           int     `json:"extruded"`
	TdID               int     `json:"td_id"`
	TimeStarted        int     `json:"time_started"`
	PrinterName        string  `json:"printer_name"`
	MaxLayerHeight     float64 `json:"max_layer_height"`
	CurrentLayerHeight float64 `json:"current_layer_height"`
	Filament           string  `json:"filament"`
}

// Snapshot returns a copy of the job's UI-visible fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:                 j.ID,
		Name:               j.Name,
		Status:             j.status,
		Date:               j.Date.Format("Mon, 02 Jan 2006 15:04:05"),
		PrinterID:          j.PrinterID,
		ErrorID:            j.ErrorID,
		FileNameOriginal:   j.FileNameOriginal,
		Progress:           j.progress,
		Favorite:           j.Favorite,
		Released:           j.released,
		FilePause:          j.filePause,
		Comments:           j.Comments,
		Extruded:           j.extruded,
		TdID:               j.TdID,
		TimeStarted:        j.timeStarted,
		PrinterName:        j.PrinterName,
		MaxLayerHeight:     j.maxLayerHeight,
		CurrentLayerHeight: j.currentLayerHeight,
		Filament:           j.Filament,
	}
}
