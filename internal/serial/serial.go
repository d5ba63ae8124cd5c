package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ReadTimeout is the blocking-read timeout on the wire.
const ReadTimeout = 2000 * time.Millisecond

// ErrTimeout is returned when a blocking read sees no byte within
// ReadTimeout.
var ErrTimeout = errors.New("serial: read timeout")

// Port wraps a serial port with ISP-specific functionality.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port at the specified baud rate with 8-N-1 framing.
func Open(portName string, baudRate int) (*Port, error) {
	port, err := open(portName, baudRate)
	if err != nil {
		return nil, err
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

func open(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

// Close closes the serial port. Safe to call more than once.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Reopen closes the port if needed and reopens the same device at a new
// baud rate. DTR/RTS are not touched beyond what the OS does on open.
func (p *Port) Reopen(baudRate int) error {
	if err := p.Close(); err != nil {
		return err
	}

	port, err := open(p.portName, baudRate)
	if err != nil {
		return err
	}

	p.port = port
	p.baudRate = baudRate
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadByte reads a single byte, blocking up to ReadTimeout.
// A quiet line yields ErrTimeout.
func (p *Port) ReadByte() (byte, error) {
	var buf [1]byte
	n, err := p.port.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// go.bug.st reports an expired read timeout as (0, nil).
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// ResetInput discards any buffered inbound data.
func (p *Port) ResetInput() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
