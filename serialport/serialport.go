// Package serialport provides the byte transport used by the instrument
// drivers.
//
// Drivers depend only on the Port interface. Open returns a Port backed by a
// real RS-232/RS-485 line through github.com/tarm/serial; Simulator returns
// a Port backed by an in-process request handler for tests and the
// simulate mode of the host.
//
// A Port read that finds no pending data within the configured read timeout
// returns (0, io.EOF). Drivers treat that as the end of a reply.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// DefaultReadTimeout bounds a single read when waiting for reply bytes.
const DefaultReadTimeout = 200 * time.Millisecond

// Port is a half-duplex byte stream to a single instrument.
type Port interface {
	io.ReadWriteCloser
}

// Flusher is implemented by ports that can discard pending input and output.
type Flusher interface {
	Flush() error
}

// Parity is the parity mode of a serial line.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

// Config describes a serial line.
//
// Data bits and stop bits are fixed at 8 and 1 for both instruments; only
// the device path, baud rate and parity vary.
type Config struct {
	// Device path, e.g. "/dev/ttyUSB0" or "COM3".
	Device string
	// Baud rate, 9600 for both instruments.
	Baud int
	// Parity of the line.
	Parity Parity
	// ReadTimeout bounds a single read call. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
}

// FurnaceConfig returns the line settings of a UP150 PC-link port: 9600 8N1.
func FurnaceConfig(device string) Config {
	return Config{Device: device, Baud: 9600, Parity: ParityNone, ReadTimeout: DefaultReadTimeout}
}

// MFCConfig returns the line settings of a 647B RS-232 port: 9600 8O1.
func MFCConfig(device string) Config {
	return Config{Device: device, Baud: 9600, Parity: ParityOdd, ReadTimeout: DefaultReadTimeout}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Device == "" {
		return errors.New("serialport: device path is empty")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("serialport: invalid baud rate %d", c.Baud)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("serialport: invalid parity %q", rune(c.Parity))
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("serialport: negative read timeout %v", c.ReadTimeout)
	}

	return nil
}

func (c Config) toSerial() *serial.Config {
	timeout := c.ReadTimeout
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}

	return &serial.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: timeout,
		Size:        8,
		Parity:      serial.Parity(c.Parity),
		StopBits:    serial.Stop1,
	}
}

// Open opens the serial line described by cfg and discards any stale bytes
// left in the driver buffers.
func Open(cfg Config) (Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p, err := serial.OpenPort(cfg.toSerial())
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Device, err)
	}

	if err := p.Flush(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serialport: flush %s: %w", cfg.Device, err)
	}

	return p, nil
}

// Drain discards any bytes pending on p. Ports implementing Flusher are
// flushed; other ports are read until they report no more data.
func Drain(p Port) error {
	if f, ok := p.(Flusher); ok {
		return f.Flush()
	}

	buf := make([]byte, 64)
	for {
		n, err := p.Read(buf)
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
