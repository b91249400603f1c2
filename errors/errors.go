// Package errors holds the error taxonomy shared by the clock, oracle,
// scheduler and convert packages. Import it as errUtils.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrRemote is returned when the time oracle is unreachable or answers
	// with a non-success status.
	ErrRemote = errors.New("time oracle request failed")

	// ErrValidation is returned for empty or malformed user input. No network
	// call is made when it is returned.
	ErrValidation = errors.New("invalid input")

	// ErrInvalidTimezone is returned for identifiers outside the catalog or
	// rejected by the calendar.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrProjection is returned when a previously accepted timezone can no
	// longer be formatted during a tick.
	ErrProjection = errors.New("clock projection failed")
)

// RemoteError carries the status and the server supplied message of a failed
// oracle call. Message is meant to be shown to the user as is.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Is makes errors.Is(err, ErrRemote) true for every *RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// InvalidTimezone wraps ErrInvalidTimezone with the offending identifier.
func InvalidTimezone(tz string) error {
	return fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
}

// UserMessage returns the text shown to the user for err. Remote errors keep
// the server message verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}
