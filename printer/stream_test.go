package printer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerhub/printfarm/jobs"
)

func writeGcode(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.gcode")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func streamJob(sink *recordingSink, id int) *jobs.Job {
	return jobs.New(sink, id, "bracket", nil, "bracket.gcode", 1, "alpha")
}

func TestStreamHappyPathProgress(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	require.NoError(t, p.Connect(openerFor(link)))

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, strings.Join([]string{
		";FLAVOR:Marlin",
		";TIME:3600",
		"G28",
		"G1 X0",
		"G1 X1",
		"G1 X2",
	}, "\n"))

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictComplete, verdict)

	var got []float64
	for _, payload := range sink.payloads("progress_update") {
		got = append(got, payload.(map[string]any)["progress"].(float64))
	}
	assert.Equal(t, []float64{25, 50, 75, 100}, got)
	assert.Equal(t, 3600, job.Clock().TotalSeconds)
}

func TestStreamWriteFailureReturnsError(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	require.NoError(t, p.Connect(openerFor(link)))

	link.mu.Lock()
	link.writeErr = errors.New("input/output error")
	link.mu.Unlock()

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, "G28\nG1 X0\nG1 X1\n")

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictError, verdict)
	assert.Equal(t, StatusError, p.Status())
	assert.Contains(t, p.Error(), "input/output error")
}

func TestStreamArmsPauseOnlyWhileLive(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)

	link := &fakeLink{}
	var pausableMidStream bool
	link.onWrite = func(line string, nth int) {
		if line == "G1 X0" {
			pausableMidStream = p.CanPause()
		}
	}
	require.NoError(t, p.Connect(openerFor(link)))
	require.False(t, p.CanPause())

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, "G28\nG1 X0\n")

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictComplete, verdict)
	assert.True(t, pausableMidStream)
	assert.False(t, p.CanPause())

	var flags []bool
	for _, payload := range sink.payloads("can_pause") {
		flags = append(flags, payload.(map[string]any)["can_pause"].(bool))
	}
	assert.Equal(t, []bool{true, false}, flags)
}

func TestStreamMissingFileIsCleanNoop(t *testing.T) {
	sink := newRecordingSink()
	p := testPrinter(sink)
	job := streamJob(sink, 7)

	verdict := p.Stream(job, filepath.Join(t.TempDir(), "gone.gcode"))
	assert.Equal(t, VerdictComplete, verdict)
}

func TestStreamCancelReturnsCancelled(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)

	var lines []string
	for i := 0; i < 1000; i++ {
		lines = append(lines, "G1 X1")
	}
	path := writeGcode(t, strings.Join(lines, "\n"))

	link := &fakeLink{}
	link.onWrite = func(line string, nth int) {
		// nth 1 is the M155 handshake; cancel after 100 streamed lines.
		if nth == 101 {
			p.SetStatus(StatusComplete)
		}
	}
	require.NoError(t, p.Connect(openerFor(link)))

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictCancelled, verdict)
	assert.Len(t, link.sentLines(), 101)
}

func TestStreamEmbeddedColorChange(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	require.NoError(t, p.Connect(openerFor(link)))
	p.SetStatus(StatusPrinting)

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, strings.Join([]string{
		"M569",
		"G1 X0",
		"M600",
		"G1 X1",
		"G1 X2",
	}, "\n"))

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictComplete, verdict)

	// The M600 arms the pause; the next send clears it and resumes.
	pauses := sink.payloads("file_pause_update")
	require.Len(t, pauses, 2)
	assert.Equal(t, 1, pauses[0].(map[string]any)["file_pause"])
	assert.Equal(t, 0, pauses[1].(map[string]any)["file_pause"])
	assert.Equal(t, StatusPrinting, p.Status())
	assert.Equal(t, 1, job.Extruded())
	assert.Equal(t, 1, job.TimeStarted())
	assert.True(t, job.Clock().PausedAt.IsZero())
}

func TestStreamUserPauseAndResume(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)

	var once sync.Once
	link := &fakeLink{}
	link.onWrite = func(line string, nth int) {
		if nth == 3 {
			p.SetStatus(StatusPaused)
		}
		if line == "M601" {
			once.Do(func() {
				go func() {
					time.Sleep(5 * time.Millisecond)
					p.SetStatus(StatusPrinting)
				}()
			})
		}
	}
	require.NoError(t, p.Connect(openerFor(link)))
	p.SetStatus(StatusPrinting)

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, "G28\nG1 X0\nG1 X1\nG1 X2")

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictComplete, verdict)

	sent := link.sentLines()
	assert.Contains(t, sent, "M601")
	assert.Contains(t, sent, "M602")
	assert.Less(t, indexOfLine(sent, "M601"), indexOfLine(sent, "M602"))
	assert.True(t, job.Clock().PausedAt.IsZero())
}

func TestStreamUserColorChangeAtLayerBoundary(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	link.onWrite = func(line string, nth int) {
		if nth == 3 {
			p.SetStatus(StatusColorChange)
		}
	}
	require.NoError(t, p.Connect(openerFor(link)))
	p.SetStatus(StatusPrinting)

	job := streamJob(sink, 7)
	job.SetStatus(jobs.StatusPrinting)
	path := writeGcode(t, strings.Join([]string{
		"G28",
		"G1 X0",
		";LAYER_CHANGE",
		";Z:0.4",
		"G1 X1 ; layer start",
		"G1 X2",
	}, "\n"))

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictComplete, verdict)

	sent := link.sentLines()
	assert.Contains(t, sent, "M600")
	assert.Equal(t, 0, p.ColorBuff())
	assert.Equal(t, StatusPrinting, p.Status())
	assert.Equal(t, 0.4, job.CurrentLayerHeight())
	assert.NotEmpty(t, sink.payloads("color_buff"))
}

func TestStreamTerminatedReturnsNoVerdict(t *testing.T) {
	quickIntervals(t)
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	link.onWrite = func(line string, nth int) {
		if nth == 3 {
			p.Terminate()
		}
	}
	require.NoError(t, p.Connect(openerFor(link)))

	job := streamJob(sink, 7)
	path := writeGcode(t, "G28\nG1 X0\nG1 X1\nG1 X2")

	verdict := p.Stream(job, path)
	assert.Equal(t, VerdictNone, verdict)
}

func TestPrescanSetsMaxLayerHeight(t *testing.T) {
	sink := newRecordingSink()
	p := testPrinter(sink)
	job := streamJob(sink, 7)

	p.prescan(job, []string{
		";FLAVOR:Marlin",
		";TIME:120",
		";LAYER_CHANGE",
		";Z:0.2",
		"G1 X0",
		";LAYER_CHANGE",
		";Z:8.6",
	})
	assert.Equal(t, 8.6, job.MaxLayerHeight())
	assert.Equal(t, 120, job.Clock().TotalSeconds)
}

func TestEndingSequenceParksOnlyAfterExtrusion(t *testing.T) {
	sink := newRecordingSink()
	p := testPrinter(sink)
	link := &fakeLink{}
	require.NoError(t, p.Connect(openerFor(link)))

	job := streamJob(sink, 7)
	job.SetExtruded(1)
	require.NoError(t, p.EndingSequence(job))

	sent := link.sentLines()[1:] // skip the M155 handshake
	assert.Equal(t, []string{
		"M104 S0", "M140 S0", "M107",
		"G1 X241 Y170 F3600", "G4",
		"M900 K0", "M142 S36", "M84 X Y E",
	}, sent)

	link2 := &fakeLink{}
	p2 := testPrinter(sink)
	require.NoError(t, p2.Connect(openerFor(link2)))
	require.NoError(t, p2.EndingSequence(streamJob(sink, 8)))
	assert.Equal(t, []string{
		"M104 S0", "M140 S0", "M107",
		"M900 K0", "M142 S36", "M84 X Y E",
	}, link2.sentLines()[1:])
}

func indexOfLine(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}
