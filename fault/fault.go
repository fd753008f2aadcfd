// Package fault classifies errors raised by the instrument drivers and the
// process controller, so a host can decide whether to retry, warn, or abort.
//
// Every error that crosses a package boundary in go-anneal is either a
// *fault.Error or wraps one. The Kind survives further wrapping with
// fmt.Errorf("%w"), and the inner sentinel error stays reachable through
// errors.Is and errors.As.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind uint8

const (
	// Unknown is reported for errors that carry no fault classification.
	Unknown Kind = iota
	// Link indicates a transport level failure: I/O errors, an empty reply,
	// or an MFC error sentinel before it is decoded.
	Link
	// Protocol indicates that an instrument rejected a command, or answered
	// with a reply that could not be parsed.
	Protocol
	// Precondition indicates an argument or state violation detected before
	// anything was transmitted.
	Precondition
	// Safety marks process-safety events such as a program overrun or a
	// segment wraparound. They force the process into its safe state.
	Safety
)

// String returns string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Link:
		return "link"
	case Protocol:
		return "protocol"
	case Precondition:
		return "precondition"
	case Safety:
		return "safety"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed when the
// same call is issued again.
func (k Kind) Retryable() bool {
	return k == Link
}

// Error is a classified error.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the failed operation, e.g. "up150.ReadTemperature".
	Op string
	// Err is the underlying error.
	Err error
}

var _ error = (*Error)(nil)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err as kind. It returns nil if err is nil.
//
// An error that is already classified keeps its original kind; only the
// operation name is added.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		kind = fe.Kind
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
