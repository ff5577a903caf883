package kvkey

import (
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("invalid key encoding")

// DecodeError reports malformed key text or binary. Part is the zero-based index
// of the offending part, or -1 when the failure is not tied to one part.
type DecodeError struct {
	Part   int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Reason
	if e.Part >= 0 {
		msg = fmt.Sprintf("part %d: %s", e.Part, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "invalid key encoding: " + msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) hold for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(part int, reason string, err error) error {
	return &DecodeError{Part: part, Reason: reason, Err: err}
}
