package discovery

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted        = errors.New("strategy not started")
	ErrOfferExpired      = errors.New("connection offer expired")
	ErrOfferConsumed     = errors.New("connection offer already consumed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrNoPendingOffer    = errors.New("no pending offer")
	ErrManualTransport   = errors.New("manual strategy exchanges signaling out of band")
	ErrUnknownMethod     = errors.New("unknown discovery method")
)

// Error wraps a failure with the operation that produced it.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func wrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
