package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/serial"
)

func TestStripLocation(t *testing.T) {
	assert.Equal(t, "USB VID:PID=2C99:0002 SER=123",
		StripLocation("USB VID:PID=2C99:0002 SER=123 LOCATION=1-1.4"))
	assert.Equal(t, "USB VID:PID=2C99:0002", StripLocation("USB VID:PID=2C99:0002"))
}

type registered struct {
	id     int
	device string
	name   string
	hwid   string
}

func newTestResolver(system []PortInfo, known []registered, moved *map[int]string) *Resolver {
	byHwid := func(hwid string) (int, string, bool) {
		for _, k := range known {
			if k.hwid == hwid {
				return k.id, k.device, true
			}
		}
		return 0, "", false
	}
	byDevice := func(device string) (int, string, bool) {
		for _, k := range known {
			if k.device == device {
				return k.id, k.name, true
			}
		}
		return 0, "", false
	}
	update := func(id int, device string) {
		if moved != nil {
			(*moved)[id] = device
		}
	}

	r := NewResolver(events.Discard, serial.OpenPort, byHwid, byDevice, update)
	r.SetEnumerator(func() ([]PortInfo, error) { return system, nil })
	return r
}

func TestCandidatesFiltering(t *testing.T) {
	system := []PortInfo{
		{Device: "/dev/ttyACM0", Description: "Original Prusa i3 MK3", Hwid: "USB VID:PID=2C99:0002 SER=A"},
		{Device: "/dev/ttyACM1", Description: "Original Prusa i3 MK3", Hwid: "USB VID:PID=2C99:0002 SER=B"},
		{Device: "/dev/ttyUSB0", Description: "FTDI USB-Serial", Hwid: "USB VID:PID=0403:6001 SER=C"},
	}
	known := []registered{{id: 1, device: "/dev/ttyACM0", name: "left", hwid: "USB VID:PID=2C99:0002 SER=A"}}

	r := newTestResolver(system, known, nil)
	cands, err := r.Candidates()
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "/dev/ttyACM1", cands[0].Device)
}

func TestDiagnose(t *testing.T) {
	system := []PortInfo{
		{Device: "/dev/ttyACM0", Description: "Original Prusa i3 MK3", Hwid: "USB VID:PID=2C99:0002 SER=A"},
	}
	known := []registered{{id: 1, device: "/dev/ttyACM0", name: "left", hwid: "USB VID:PID=2C99:0002 SER=A"}}
	r := newTestResolver(system, known, nil)

	msg, err := r.Diagnose("/dev/ttyACM0")
	require.NoError(t, err)
	assert.Contains(t, msg, "registered to printer")

	msg, err = r.Diagnose("/dev/ttyACM9")
	require.NoError(t, err)
	assert.Contains(t, msg, "not connected")
}

func TestRepairMovesDevices(t *testing.T) {
	system := []PortInfo{
		{Device: "/dev/ttyACM3", Description: "Original Prusa i3 MK3", Hwid: "USB VID:PID=2C99:0002 SER=A LOCATION=1-2"},
		{Device: "/dev/ttyACM1", Description: "Original Prusa i3 MK3", Hwid: "USB VID:PID=2C99:0002 SER=B"},
	}
	known := []registered{
		{id: 1, device: "/dev/ttyACM0", hwid: "USB VID:PID=2C99:0002 SER=A"}, // moved port
		{id: 2, device: "/dev/ttyACM1", hwid: "USB VID:PID=2C99:0002 SER=B"}, // unchanged
	}
	moved := map[int]string{}
	r := newTestResolver(system, known, &moved)

	require.NoError(t, r.Repair())
	assert.Equal(t, map[int]string{1: "/dev/ttyACM3"}, moved)
}
