package mks647b

import (
	"errors"
	"fmt"
)

// Errors decoded from an 'E' reply.
var (
	ErrInvalidChannel    = errors.New("mks647b: invalid channel")
	ErrUnknownCommand    = errors.New("mks647b: unknown command")
	ErrSyntax            = errors.New("mks647b: syntax error")
	ErrInvalidExpression = errors.New("mks647b: invalid expression")
	ErrInvalidValue      = errors.New("mks647b: invalid value")
	ErrAutozero          = errors.New("mks647b: autozero error")
	ErrUnknownDevice     = errors.New("mks647b: unknown error")
)

var (
	// ErrInvalidArgument indicates a channel, gas set or scaled value outside
	// its range. Nothing was transmitted.
	ErrInvalidArgument = errors.New("mks647b: invalid argument")

	// ErrMalformedReply indicates a reply that cannot be parsed.
	ErrMalformedReply = errors.New("mks647b: malformed reply")

	// ErrNoReply indicates that the instrument did not answer.
	ErrNoReply = errors.New("mks647b: no reply")

	// ErrClosed indicates that the driver has been closed.
	ErrClosed = errors.New("mks647b: driver closed")
)

// DeviceError is returned when a command is still answered with an error
// after all attempts. It wraps the sentinel matching Code.
type DeviceError struct {
	Command  string
	Code     byte
	Attempts int
	err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s (command %q, code E%c, %d attempts)", e.err, e.Command, e.Code, e.Attempts)
}

func (e *DeviceError) Unwrap() error {
	return e.err
}

// decodeError maps the character following 'E' to its sentinel.
func decodeError(code byte) error {
	switch code {
	case '0':
		return ErrInvalidChannel
	case '1':
		return ErrUnknownCommand
	case '2':
		return ErrSyntax
	case '3':
		return ErrInvalidExpression
	case '4':
		return ErrInvalidValue
	case '5':
		return ErrAutozero
	default:
		return ErrUnknownDevice
	}
}

func newDeviceError(command string, reply string, attempts int) *DeviceError {
	var code byte = '?'
	if len(reply) > 1 {
		code = reply[1]
	}

	return &DeviceError{Command: command, Code: code, Attempts: attempts, err: decodeError(code)}
}
