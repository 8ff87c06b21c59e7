package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ports that implement it have their read timeout set to the link's poll
// interval so a Read never blocks past a frame deadline.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// BufferResetter is implemented by ports that can discard pending input and
// output, as go.bug.st/serial ports do.
type BufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// OutputDrainer is implemented by ports that can block until all written bytes
// have been transmitted.
type OutputDrainer interface {
	Drain() error
}

// PortOpener opens the physical device. The link calls it on every (re)connect,
// so it must return a fresh handle each time.
type PortOpener func() (SerialPorter, error)
