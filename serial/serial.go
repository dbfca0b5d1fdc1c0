// Package serial wraps a UTF-8, newline-terminated serial connection to a
// printer. The core talks to the Link interface; Port is the production
// implementation over go.bug.st/serial.
package serial

import (
	"fmt"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
)

const (
	// BaudRate is the wire speed every supported printer runs at.
	BaudRate = 115200
	// ReadTimeout bounds a single ReadLine. A timeout surfaces as an empty
	// reply, which feeds the no-response watchdog upstream.
	ReadTimeout = 10 * time.Second
)

// Link is a line-oriented serial connection. WriteLine appends the newline
// terminator; ReadLine strips it. ReadLine returns an empty string with a
// nil error when the read times out.
type Link interface {
	Open() error
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
	IsOpen() bool
}

// Opener creates a Link for an OS device path. The worker uses it so tests
// can substitute a scripted link.
type Opener func(device string) Link

// Port is a Link over a real serial device.
type Port struct {
	mu     sync.Mutex
	device string
	port   goserial.Port
}

// NewPort creates an unopened Port for the given device path.
func NewPort(device string) *Port {
	return &Port{device: device}
}

// Open opens the device at the standard baud rate and read timeout.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		return nil
	}

	port, err := goserial.Open(p.device, &goserial.Mode{BaudRate: BaudRate})
	if err != nil {
		return fmt.Errorf("opening %s: %w", p.device, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("setting read timeout on %s: %w", p.device, err)
	}

	p.port = port
	return nil
}

// WriteLine sends the line followed by a newline.
func (p *Port) WriteLine(line string) error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return fmt.Errorf("port %s not open", p.device)
	}

	if _, err := port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("writing to %s: %w", p.device, err)
	}
	return nil
}

// ReadLine reads bytes until a newline or the read timeout. On timeout the
// accumulated text (usually empty) is returned with a nil error.
func (p *Port) ReadLine() (string, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return "", fmt.Errorf("port %s not open", p.device)
	}

	var b strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading from %s: %w", p.device, err)
		}
		if n == 0 {
			// Read timeout.
			return strings.TrimSpace(b.String()), nil
		}
		if buf[0] == '\n' {
			return strings.TrimSpace(b.String()), nil
		}
		b.WriteByte(buf[0])
	}
}

// Close closes the device. Closing an unopened port is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// IsOpen reports whether the device is currently open.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}

// OpenPort is the production Opener.
func OpenPort(device string) Link {
	return NewPort(device)
}
