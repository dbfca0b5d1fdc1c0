// Package ports enumerates the host's serial ports and keeps registered
// printers pointed at the right device path when USB ports shuffle.
package ports

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/serial"
)

// PortInfo describes one system serial port.
type PortInfo struct {
	Device      string `json:"device"`
	Description string `json:"description"`
	Hwid        string `json:"hwid"`
}

// StripLocation removes the " LOCATION=..." suffix some platforms append
// to a hardware id, leaving the stable VID/PID/serial portion.
func StripLocation(hwid string) string {
	if idx := strings.Index(hwid, " LOCATION="); idx >= 0 {
		return hwid[:idx]
	}
	return hwid
}

// Enumerate returns the system's serial ports with location-stripped
// hardware ids.
func Enumerate() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}

	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Device: d.Name, Description: d.Product}
		if d.IsUSB {
			info.Hwid = fmt.Sprintf("USB VID:PID=%s:%s SER=%s", d.VID, d.PID, d.SerialNumber)
		}
		info.Hwid = StripLocation(info.Hwid)
		out = append(out, info)
	}
	return out, nil
}

// Resolver matches system ports against registered printers. Its
// collaborators are injected as funcs so the HTTP layer, the worker, and
// tests can all share one resolver without an import cycle.
type Resolver struct {
	sink events.Sink
	open serial.Opener

	// enumerate lists system ports; defaults to Enumerate.
	enumerate func() ([]PortInfo, error)
	// byHwid looks up a registered printer by hardware id.
	byHwid func(hwid string) (id int, device string, ok bool)
	// byDevice looks up a registered printer by device path.
	byDevice func(device string) (id int, name string, ok bool)
	// updateDevice persists a repaired device path and updates the
	// in-memory worker.
	updateDevice func(id int, device string)
}

// NewResolver wires a resolver with its lookups.
func NewResolver(
	sink events.Sink,
	open serial.Opener,
	byHwid func(hwid string) (int, string, bool),
	byDevice func(device string) (int, string, bool),
	updateDevice func(id int, device string),
) *Resolver {
	if sink == nil {
		sink = events.Discard
	}
	return &Resolver{
		sink:         sink,
		open:         open,
		enumerate:    Enumerate,
		byHwid:       byHwid,
		byDevice:     byDevice,
		updateDevice: updateDevice,
	}
}

// SetEnumerator overrides the system port source. Tests use this.
func (r *Resolver) SetEnumerator(fn func() ([]PortInfo, error)) {
	r.enumerate = fn
}

// Candidates returns the connected ports that look like supported printers
// and are not yet registered. Supported means the description mentions
// "original" or "prusa", case-insensitively.
func (r *Resolver) Candidates() ([]PortInfo, error) {
	all, err := r.enumerate()
	if err != nil {
		return nil, err
	}

	var out []PortInfo
	for _, p := range all {
		desc := strings.ToLower(p.Description)
		if !strings.Contains(desc, "original") && !strings.Contains(desc, "prusa") {
			continue
		}
		if _, _, registered := r.byHwid(p.Hwid); registered {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Diagnose reports in plain language whether the device is present on the
// system and whether it belongs to a registered printer.
func (r *Resolver) Diagnose(device string) (string, error) {
	all, err := r.enumerate()
	if err != nil {
		return "", err
	}

	connected := false
	for _, p := range all {
		if p.Device == device {
			connected = true
			break
		}
	}

	if !connected {
		return fmt.Sprintf("Device %s is not connected to the system.", device), nil
	}
	if id, name, ok := r.byDevice(device); ok {
		return fmt.Sprintf("Device %s is connected and registered to printer %q (id %d).", device, name, id), nil
	}
	return fmt.Sprintf("Device %s is connected but not registered to any printer.", device), nil
}

// Repair walks the system ports and, for every port whose hardware id
// matches a registered printer recorded under a different device path,
// moves the printer to the current path. Each move emits port_repair.
func (r *Resolver) Repair() error {
	all, err := r.enumerate()
	if err != nil {
		return err
	}

	for _, p := range all {
		hwid := StripLocation(p.Hwid)
		id, device, ok := r.byHwid(hwid)
		if !ok || device == p.Device {
			continue
		}
		r.updateDevice(id, p.Device)
		r.sink.Emit(events.PortRepair, map[string]any{
			"printer_id": id, "device": p.Device,
		})
	}
	return nil
}

// MoveHead opens the device briefly and homes all axes so the operator can
// tell which physical printer a port belongs to. Returns an error when the
// printer answers with an error reply.
func (r *Resolver) MoveHead(device string) error {
	link := r.open(device)
	if err := link.Open(); err != nil {
		return err
	}
	defer link.Close()

	if err := link.WriteLine("G28"); err != nil {
		return err
	}
	for {
		resp, err := link.ReadLine()
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(resp), "error") {
			return fmt.Errorf("printer on %s rejected home command: %s", device, resp)
		}
		if resp == "" || strings.Contains(resp, "ok") {
			return nil
		}
	}
}
