package serialmux

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyCommand is returned when a command is empty after sanitising.
	ErrEmptyCommand = errors.New("empty command")
	// ErrDisabled is returned by the disabled mux for every exchange.
	ErrDisabled = errors.New("serial link disabled")
	// ErrNotConnected is returned when the link has no open port.
	ErrNotConnected = errors.New("serial not connected")
	// ErrWriteFailed is returned on a short write to the port.
	ErrWriteFailed = errors.New("failed to write to serial port")
)

// ConnectionError reports a failure to open, read or write the serial device.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("serial %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when the device answers a command with ERR.
type ProtocolError struct {
	Sent  string
	Reply string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device replied with error: sent=%q reply=%q", e.Sent, e.Reply)
}

// TimeoutError is returned when no matching reply arrived within the command's
// wait budget. Seen holds at most ten of the lines that did arrive.
type TimeoutError struct {
	Sent     string
	Expected []string
	Seen     []string
	More     int
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timeout waiting for reply: sent=%q expect=%q seen=%q", e.Sent, e.Expected, e.Seen)
	if e.More > 0 {
		fmt.Fprintf(&b, " (+%d more)", e.More)
	}
	return b.String()
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// BatchError wraps the failure of one command inside SendBatch. Replies holds
// the replies collected before the failing command.
type BatchError struct {
	Index   int
	Line    string
	Replies []string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch command %d (%q) failed: %v", e.Index, e.Line, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func newTimeoutError(sent string, expected, seen []string) *TimeoutError {
	te := &TimeoutError{Sent: sent, Expected: expected}
	if len(seen) > 10 {
		te.Seen = append([]string(nil), seen[:10]...)
		te.More = len(seen) - 10
	} else {
		te.Seen = append([]string(nil), seen...)
	}
	return te
}
