package apci1710

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/apci1710/comm"
)

const (
	// CodeTimeout is the code of every timeout
	CodeTimeout uint16 = 0xFFFE

	// CodeTransmission is the code of every error reported by the hardware
	// after a completed transmission
	CodeTransmission uint16 = 0xFFFF
)

var (
	// ErrValidation is generated when an argument is out of range or the
	// module is not in a state that allows the call.  No register was touched.
	ErrValidation = errors.New("invalid argument or module state")

	// ErrTimeout is generated when the hardware did not complete a
	// transmission in time.  The hardware was put back to idle.
	ErrTimeout = fmt.Errorf("transmission did not complete: %w", comm.ErrTimeout)

	// ErrTransmission is generated when the hardware completed a transmission
	// but flagged an error
	ErrTransmission = errors.New("hardware reported a transmission error")
)

// Kind is the tier of an error
type Kind int

const (
	// KindValidation errors are detected before any hardware access
	KindValidation Kind = iota

	// KindTimeout errors are raised when the hardware does not respond
	KindTimeout

	// KindTransmission errors are raised when the hardware flags an error
	KindTransmission
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindTransmission:
		return "transmission"
	default:
		return "unknown"
	}
}

// Error is an error from a call on a board.  Code has a meaning particular
// to Op for validation errors and for the steps of multi-step calls; plain
// timeouts and transmission errors carry CodeTimeout or CodeTransmission.
type Error struct {
	Op   string
	Code uint16
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("apci1710: %s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("apci1710: %s: %s: %v (code %d)", e.Op, e.Msg, e.Err, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the numeric code of the error
func (e *Error) ErrorCode() uint16 {
	return e.Code
}

// Kind returns the tier of the error
func (e *Error) Kind() Kind {
	switch {
	case errors.Is(e.Err, ErrTimeout):
		return KindTimeout
	case errors.Is(e.Err, ErrTransmission):
		return KindTransmission
	default:
		return KindValidation
	}
}

// CodeOf returns the code of the outermost *Error in err's chain.  It is 0
// for nil and for errors that carry no code.
func CodeOf(err error) uint16 {
	var c interface{ ErrorCode() uint16 }
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return 0
}

func invalid(op string, code uint16, format string, args ...interface{}) error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...), Err: ErrValidation}
}

func timeout(op, msg string) error {
	return &Error{Op: op, Code: CodeTimeout, Msg: msg, Err: ErrTimeout}
}

func transmission(op, msg string) error {
	return &Error{Op: op, Code: CodeTransmission, Msg: msg, Err: ErrTransmission}
}

// stepFailed decorates the failure of one step of a sequence with the code
// of that step
func stepFailed(op string, code uint16, step string, err error) error {
	return &Error{Op: op, Code: code, Msg: step, Err: err}
}
