// Package events defines the event channel the core pushes UI updates
// through. The core only sees the Sink interface; the websocket hub in
// this package is the production transport.
package events

// Event names emitted by the core. Payloads are documented next to the
// code that emits them.
const (
	QueueUpdate        = "queue_update"
	StatusUpdate       = "status_update"
	ErrorUpdate        = "error_update"
	PortRepair         = "port_repair"
	ProgressUpdate     = "progress_update"
	JobStatusUpdate    = "job_status_update"
	TempUpdate         = "temp_update"
	FilePauseUpdate    = "file_pause_update"
	ExtrudedUpdate     = "extruded_update"
	ReleaseJob         = "release_job"
	SetTimeStarted     = "set_time_started"
	SetTime            = "set_time"
	MaxLayerHeight     = "max_layer_height"
	CurrentLayerHeight = "current_layer_height"
	CanPause           = "can_pause"
	ColorBuff          = "color_buff"
)

// Sink receives named events with JSON-serializable payloads. Emit must be
// safe to call from multiple printer workers concurrently.
type Sink interface {
	Emit(event string, payload any)
}

// Discard is a Sink that drops every event. Useful in tests and for
// components constructed before the hub exists.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(string, any) {}
