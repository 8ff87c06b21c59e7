package actuator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEstopActive is returned by every actuation call while the E-STOP latch
// is set.
var ErrEstopActive = errors.New("estop active")

// ValidationError reports an out-of-range argument. No command was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RateLimitedError is returned in reject mode when a servo is commanded
// faster than the configured cadence.
type RateLimitedError struct {
	ServoID    int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("servo %d rate limited, retry after %s", e.ServoID, e.RetryAfter)
}

// UnsupportedError is returned when the connected firmware does not
// advertise the commands an operation needs.
type UnsupportedError struct {
	Commands []string
}

func (e *UnsupportedError) Error() string {
	return "firmware does not support: " + strings.Join(e.Commands, ", ")
}
