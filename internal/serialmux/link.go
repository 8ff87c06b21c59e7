package serialmux

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSettle is how long the firmware needs after the port opens, since
	// opening the port resets most MCU boards.
	DefaultSettle   = 2200 * time.Millisecond
	DefaultReadPoll = 50 * time.Millisecond
	DefaultMaxLine  = 256
	DefaultChunk    = 64

	rxBufferCap  = 4096
	rxBufferKeep = 1024
)

// LineTooLong is the synthetic frame produced when the device sends more than
// MaxLine bytes without a newline.
const LineTooLong = "ERR LineTooLong"

// LinkOptions tunes the framing layer. Zero values take the defaults above,
// except Settle where zero means no wait.
type LinkOptions struct {
	Settle    time.Duration
	ReadPoll  time.Duration
	MaxLine   int
	ChunkSize int
}

// DefaultLinkOptions returns the options used against real hardware.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		Settle:    DefaultSettle,
		ReadPoll:  DefaultReadPoll,
		MaxLine:   DefaultMaxLine,
		ChunkSize: DefaultChunk,
	}
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.ReadPoll <= 0 {
		o.ReadPoll = DefaultReadPoll
	}
	if o.MaxLine <= 0 {
		o.MaxLine = DefaultMaxLine
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunk
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	return o
}

// Link owns the physical port and turns its byte stream into frames. It is not
// safe for concurrent exchanges; SerialMux serialises access to it.
type Link struct {
	open  PortOpener
	opts  LinkOptions
	sleep func(time.Duration)

	// connectMu serialises Connect. mu only guards the fields below and is
	// never held across the settle.
	connectMu sync.Mutex

	mu     sync.Mutex
	port   SerialPorter
	buf    []byte
	closes uint64
}

// NewLink creates a disconnected link that opens ports with open.
func NewLink(open PortOpener, opts LinkOptions) *Link {
	return &Link{
		open:  open,
		opts:  opts.withDefaults(),
		sleep: time.Sleep,
	}
}

// Connected reports whether a port is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Connect opens the port if it is not already open, waits for the device to
// boot and discards whatever it printed meanwhile.
func (l *Link) Connect() error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.mu.Lock()
	if l.port != nil {
		l.mu.Unlock()
		return nil
	}
	gen := l.closes
	l.mu.Unlock()

	logf("serial connect: settle=%s poll=%s", l.opts.Settle, l.opts.ReadPoll)
	port, err := l.open()
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(l.opts.ReadPoll); err != nil {
			port.Close()
			return &ConnectionError{Op: "configure", Err: err}
		}
	}
	if l.opts.Settle > 0 {
		l.sleep(l.opts.Settle)
	}
	if br, ok := port.(BufferResetter); ok {
		// not every driver supports this; a failure only leaves stale bytes
		_ = br.ResetInputBuffer()
		_ = br.ResetOutputBuffer()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closes != gen {
		// closed while settling
		port.Close()
		return &ConnectionError{Op: "open", Err: ErrNotConnected}
	}
	l.port = port
	l.buf = l.buf[:0]
	logf("serial connected")
	return nil
}

// Close releases the port. It is safe to call on a closed link.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	l.buf = l.buf[:0]
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	if err != nil {
		logf("serial close failed: %v", err)
		return &ConnectionError{Op: "close", Err: err}
	}
	logf("serial closed")
	return nil
}

// WriteLine writes line followed by a newline and waits for the bytes to leave
// the host when the port supports it.
func (l *Link) WriteLine(line string) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	payload := []byte(line + "\n")
	n, err := port.Write(payload)
	if err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	if n != len(payload) {
		return &ConnectionError{Op: "write", Err: ErrWriteFailed}
	}
	if d, ok := port.(OutputDrainer); ok {
		if err := d.Drain(); err != nil {
			return &ConnectionError{Op: "flush", Err: err}
		}
	}
	return nil
}

// ReadFrame returns the next non-empty line received before deadline, without
// its line terminator. An empty string with a nil error means the deadline
// passed. Invalid UTF-8 is replaced rather than rejected.
func (l *Link) ReadFrame(deadline time.Time) (string, error) {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return "", ErrNotConnected
	}

	chunk := make([]byte, l.opts.ChunkSize)
	for time.Now().Before(deadline) {
		if line, ok := l.popLine(); ok {
			if line == "" {
				continue
			}
			return line, nil
		}

		n, err := port.Read(chunk)
		if err != nil {
			return "", &ConnectionError{Op: "read", Err: err}
		}
		if l.appendChunk(chunk[:n]) {
			return LineTooLong, nil
		}
	}
	return "", nil
}

// appendChunk adds received bytes to the buffer and reports whether the
// pending partial line overflowed MaxLine, in which case the buffer is reset.
func (l *Link) appendChunk(b []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(b) > 0 {
		l.buf = append(l.buf, b...)
		if len(l.buf) > rxBufferCap {
			l.buf = append(l.buf[:0], l.buf[len(l.buf)-rxBufferKeep:]...)
		}
	}
	if len(l.buf) > l.opts.MaxLine && bytes.IndexByte(l.buf, '\n') == -1 {
		l.buf = l.buf[:0]
		return true
	}
	return false
}

// popLine removes the first complete line from the buffer.
func (l *Link) popLine() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := bytes.IndexByte(l.buf, '\n')
	if i < 0 {
		return "", false
	}
	raw := bytes.ReplaceAll(l.buf[:i], []byte("\r"), nil)
	l.buf = append(l.buf[:0], l.buf[i+1:]...)
	return strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\ufffd"), true
}
