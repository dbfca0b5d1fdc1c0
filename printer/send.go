package printer

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/makerhub/printfarm/serial"
)

// A printer that stays silent for this many consecutive reads is treated
// as unreachable and the job fails.
const maxEmptyReplies = 10

var (
	extruderTempRe = regexp.MustCompile(`T:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	bedTempRe      = regexp.MustCompile(`B:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
)

// Connect makes sure a serial link is open on the printer's current
// device and asks the firmware for periodic temperature reports. A link
// already opened when the printer was readied is reused.
func (p *Printer) Connect(open serial.Opener) error {
	link := p.Link()
	if link == nil || !link.IsOpen() {
		link = open(p.Device())
		if err := link.Open(); err != nil {
			return fmt.Errorf("open %s: %w", p.Device(), err)
		}
		p.setLink(link)
	}
	if err := p.SendGcode("M155 S5"); err != nil {
		p.Disconnect()
		return err
	}
	return nil
}

// Disconnect closes the serial link if one is open.
func (p *Printer) Disconnect() {
	link := p.Link()
	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		log.Printf("printer %d: closing %s: %v", p.ID, p.Device(), err)
	}
	p.setLink(nil)
}

// SendGcode transmits one command and blocks until the firmware
// acknowledges it. Unsolicited lines arriving before the ack are
// consumed here: temperature reports update the printer, an "error"
// line fails the command, and ten consecutive silent reads mean the
// printer is gone. A terminate request aborts the wait without error;
// the caller checks Terminated.
func (p *Printer) SendGcode(line string) error {
	link := p.Link()
	if link == nil {
		return fmt.Errorf("printer %d: no open link", p.ID)
	}
	if err := link.WriteLine(line); err != nil {
		p.SetError(err.Error())
		p.SetStatus(StatusError)
		return fmt.Errorf("write %q: %w", line, err)
	}

	for {
		if p.Terminated() {
			return nil
		}
		reply, err := link.ReadLine()
		if err != nil {
			p.SetError(err.Error())
			p.SetStatus(StatusError)
			return fmt.Errorf("read after %q: %w", line, err)
		}

		if reply == "" {
			// A resume (M602) legitimately produces long silences
			// while the firmware replays its park moves.
			if p.PrevMes() == "M602" {
				p.ResetResponseCount()
				continue
			}
			p.mu.Lock()
			p.responseCount++
			count := p.responseCount
			p.mu.Unlock()
			if count >= maxEmptyReplies {
				p.SetError("No response from printer")
				p.SetStatus(StatusError)
				return fmt.Errorf("printer %d: no response after %q", p.ID, line)
			}
			continue
		}
		p.ResetResponseCount()

		if strings.Contains(strings.ToLower(reply), "error") {
			p.SetError(reply)
			p.SetStatus(StatusError)
			return fmt.Errorf("printer %d: firmware error: %s", p.ID, reply)
		}

		if strings.Contains(reply, "T:") && strings.Contains(reply, "B:") {
			p.parseTemps(reply)
		}

		if strings.Contains(reply, "ok") {
			return nil
		}
	}
}

// GcodeEnding transmits one command of the end-of-print sequence. It is a
// stricter SendGcode: no M602 exemption and no temperature parsing, since
// the heaters are being shut down anyway.
func (p *Printer) GcodeEnding(line string) error {
	link := p.Link()
	if link == nil {
		return fmt.Errorf("printer %d: no open link", p.ID)
	}
	if err := link.WriteLine(line); err != nil {
		p.SetError(err.Error())
		p.SetStatus(StatusError)
		return fmt.Errorf("write %q: %w", line, err)
	}

	empty := 0
	for {
		if p.Terminated() {
			return nil
		}
		reply, err := link.ReadLine()
		if err != nil {
			p.SetError(err.Error())
			p.SetStatus(StatusError)
			return fmt.Errorf("read after %q: %w", line, err)
		}

		if reply == "" {
			empty++
			if empty >= maxEmptyReplies {
				p.SetError("No response from printer")
				p.SetStatus(StatusError)
				return fmt.Errorf("printer %d: no response after %q", p.ID, line)
			}
			continue
		}
		empty = 0

		if strings.Contains(strings.ToLower(reply), "error") {
			p.SetError(reply)
			p.SetStatus(StatusError)
			return fmt.Errorf("printer %d: firmware error: %s", p.ID, reply)
		}
		if strings.Contains(reply, "ok") {
			return nil
		}
	}
}

func (p *Printer) parseTemps(reply string) {
	em := extruderTempRe.FindStringSubmatch(reply)
	bm := bedTempRe.FindStringSubmatch(reply)
	if em == nil || bm == nil {
		return
	}
	extruder, err1 := strconv.ParseFloat(em[1], 64)
	bed, err2 := strconv.ParseFloat(bm[1], 64)
	if err1 != nil || err2 != nil {
		return
	}
	p.setTemps(extruder, bed)
}
