package printer

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/makerhub/printfarm/gcode"
	"github.com/makerhub/printfarm/jobs"
)

// Verdict is the terminal outcome of a streamed job.
type Verdict string

const (
	// VerdictNone means the stream was aborted by a hard reset; the
	// worker is being torn down and must not persist anything.
	VerdictNone      Verdict = ""
	VerdictComplete  Verdict = "complete"
	VerdictCancelled Verdict = "cancelled"
	VerdictError     Verdict = "error"
	VerdictMisprint  Verdict = "misprint"
)

// pausePollInterval is how often the streamer re-checks printer status
// while paused or waiting out a resume.
var pausePollInterval = time.Second

// Stream sends the job's G-code file at path to the printer line by line,
// reacting to pause, color-change, and cancel requests between sends. It
// returns VerdictNone only when the worker was terminated mid-stream.
func (p *Printer) Stream(job *jobs.Job, path string) Verdict {
	data, err := os.ReadFile(path)
	if err != nil {
		// A vanished temp file means there is nothing to print; treat
		// it as an empty job rather than a failure.
		log.Printf("printer %d: %v", p.ID, err)
		return VerdictComplete
	}

	lines := gcode.Lines(data)
	p.prescan(job, lines)

	totalLines := gcode.CountCommands(lines)
	if totalLines == 0 {
		return VerdictComplete
	}

	// Pausing is only meaningful while the stream is live.
	p.SetCanPause(true)
	defer p.SetCanPause(false)

	sentLines := 0
	prevLine := ""

	for _, raw := range lines {
		if p.Terminated() {
			return VerdictNone
		}

		if strings.Contains(strings.ToLower(raw), "layer") &&
			p.Status() == StatusColorChange && job.FilePause() == 0 && p.ColorBuff() == 0 {
			p.SetColorBuff(1)
		}

		if strings.Contains(prevLine, gcode.LayerChangeMarker) {
			if z, ok := gcode.ZHeight(strings.TrimSpace(raw)); ok {
				job.SetCurrentLayerHeight(z)
			}
		}
		prevLine = raw

		line := gcode.StripComment(raw)
		if line == "" {
			continue
		}

		if strings.Contains(line, "M569") && job.TimeStarted() == 0 {
			job.SetTimeStarted(1)
			job.SetETA(job.CalculateETA())
			job.SetStartedAt(time.Now())
		}

		if err := p.SendGcode(line); err != nil {
			log.Printf("printer %d: %v", p.ID, err)
		}
		if p.Terminated() {
			return VerdictNone
		}

		if job.FilePause() == 1 {
			job.SetETA(job.ColorETA())
			job.SetTotalSeconds(job.ColorChangeTotal())
			job.SetPausedAt(time.Time{})
			job.SetFilePause(0)
			if p.Status() == StatusComplete {
				return VerdictCancelled
			}
			p.SetStatus(StatusPrinting)
		}

		if strings.Contains(line, "M600") {
			job.SetPausedAt(time.Now())
			p.SetStatus(StatusColorChange)
			job.SetFilePause(1)
		}

		if strings.Contains(line, "M569") && job.Extruded() == 0 {
			job.SetExtruded(1)
		}

		if p.PrevMes() == "M602" {
			p.SetPrevMes("")
		}

		if p.Status() == StatusPaused {
			if v := p.holdForResume(job); v != VerdictNone || p.Terminated() {
				return v
			}
		}

		if p.Status() == StatusColorChange && job.FilePause() == 0 && p.ColorBuff() == 1 {
			job.SetPausedAt(time.Now())
			if err := p.SendGcode("M600"); err != nil {
				log.Printf("printer %d: %v", p.ID, err)
			}
			job.SetETA(job.ColorETA())
			job.SetTotalSeconds(job.ColorChangeTotal())
			job.SetPausedAt(time.Time{})
			job.SetFilePause(1)
			p.SetColorBuff(0)
		}

		sentLines++
		job.SetSentLines(sentLines)
		job.SetProgress(float64(sentLines) / float64(totalLines) * 100)

		switch p.Status() {
		case StatusComplete:
			return VerdictCancelled
		case StatusError:
			return VerdictError
		}
	}

	return VerdictComplete
}

// holdForResume parks the printer with M601 and polls until the user
// resumes (status back to printing), the worker is terminated, or the
// print is cancelled out from under the pause.
func (p *Printer) holdForResume(job *jobs.Job) Verdict {
	if err := p.SendGcode("M601"); err != nil {
		log.Printf("printer %d: %v", p.ID, err)
	}
	job.SetPausedAt(time.Now())

	for {
		if p.Terminated() {
			return VerdictNone
		}
		switch p.Status() {
		case StatusPrinting:
			p.SetPrevMes("M602")
			if err := p.SendGcode("M602"); err != nil {
				log.Printf("printer %d: %v", p.ID, err)
			}
			time.Sleep(pausePollInterval)
			job.SetETA(job.ColorETA())
			job.SetTotalSeconds(job.ColorChangeTotal())
			job.SetPausedAt(time.Time{})
			return VerdictNone
		case StatusComplete:
			return VerdictCancelled
		case StatusError:
			return VerdictError
		}
		time.Sleep(pausePollInterval)
	}
}

// prescan derives the job's max layer height and time estimate from the
// file's comments before any command is sent.
func (p *Printer) prescan(job *jobs.Job, lines []string) {
	comments := gcode.Comments(lines)
	if h, ok := gcode.MaxLayerHeight(comments); ok {
		job.SetMaxLayerHeight(h)
	}
	job.SetTotalSeconds(gcode.EstimatedSeconds(comments))
}

// EndingSequence shuts the printer down after a cancelled print: heaters
// off, fan off, park the head if anything was extruded, then release the
// motors.
func (p *Printer) EndingSequence(job *jobs.Job) error {
	lines := []string{"M104 S0", "M140 S0", "M107"}
	if job.Extruded() == 1 {
		lines = append(lines, "G1 X241 Y170 F3600", "G4")
	}
	lines = append(lines, "M900 K0", "M142 S36", "M84 X Y E")

	for _, line := range lines {
		if p.Terminated() {
			return nil
		}
		if err := p.GcodeEnding(line); err != nil {
			return fmt.Errorf("ending sequence: %w", err)
		}
	}
	return nil
}
