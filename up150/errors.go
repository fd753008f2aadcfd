package up150

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates an out-of-range segment, temperature or
	// duration. Nothing was transmitted.
	ErrInvalidArgument = errors.New("up150: invalid argument")

	// ErrMalformedReply indicates a reply that is absent, too short to hold
	// the expected fields, or not parseable.
	ErrMalformedReply = errors.New("up150: malformed reply")

	// ErrDeviceRejected indicates a reply carrying an "ER" end code.
	ErrDeviceRejected = errors.New("up150: command rejected by controller")

	// ErrClosed indicates that the driver has been closed.
	ErrClosed = errors.New("up150: driver closed")
)

// RejectError carries the end code of a rejected command. It matches
// ErrDeviceRejected with errors.Is.
type RejectError struct {
	EndCode string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: end code %s", ErrDeviceRejected, e.EndCode)
}

func (e *RejectError) Is(target error) bool {
	return target == ErrDeviceRejected
}
