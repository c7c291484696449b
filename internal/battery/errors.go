package battery

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when a snapshot or metric is requested before
// the first successful fetch.
var ErrNotInitialized = errors.New("battery data not yet initialized")

// MissingFieldError reports a key absent from one of the raw payloads.
type MissingFieldError struct {
	Payload string // "latestdata" or "status"
	Key     string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q in %s payload", e.Key, e.Payload)
}

// InvalidFieldError reports a key that is present but cannot be used.
type InvalidFieldError struct {
	Key    string
	Value  any
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q with value %v: %s", e.Key, e.Value, e.Reason)
}

// IsMissingField checks if an error is a MissingFieldError.
func IsMissingField(err error) bool {
	var me *MissingFieldError
	return errors.As(err, &me)
}
