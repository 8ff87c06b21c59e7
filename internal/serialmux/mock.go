package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// FakeDevice implements SerialPorter by emulating the actuator firmware. Every
// complete line written to it is recorded and answered through Respond. It
// honours read timeouts the way go.bug.st/serial does: a Read that times out
// returns 0, nil.
type FakeDevice struct {
	mu sync.Mutex

	rx          bytes.Buffer
	partial     []byte
	written     []string
	readTimeout time.Duration
	closed      bool
	opens       int
	notify      chan struct{}

	// Respond produces the reply lines for one received command. Nil uses
	// FirmwareReply.
	Respond func(line string) []string

	// Banner lines are queued for the host on every open.
	Banner []string

	// OpenError is returned by the opener if set.
	OpenError error

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error
}

// NewFakeDevice creates a closed FakeDevice answering like the stock firmware.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		closed: true,
		notify: make(chan struct{}, 1),
	}
}

// Opener returns a PortOpener that reopens this device, as a USB reset would.
func (d *FakeDevice) Opener() PortOpener {
	return func() (SerialPorter, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.OpenError != nil {
			return nil, d.OpenError
		}
		d.closed = false
		d.opens++
		d.rx.Reset()
		d.partial = d.partial[:0]
		for _, b := range d.Banner {
			d.rx.WriteString(b + "\n")
		}
		d.signal()
		return d, nil
	}
}

func (d *FakeDevice) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered device output, waiting up to the read timeout.
func (d *FakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	timeout := d.readTimeout
	d.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, errPortClosed
		}
		if d.ReadError != nil {
			err := d.ReadError
			d.ReadError = nil
			d.mu.Unlock()
			return 0, err
		}
		if d.rx.Len() > 0 {
			n, _ := d.rx.Read(p)
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-expired:
			return 0, nil
		}
	}
}

// Write records complete lines and queues the firmware's replies.
func (d *FakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errPortClosed
	}
	if d.WriteError != nil {
		err := d.WriteError
		d.WriteError = nil
		d.mu.Unlock()
		return 0, err
	}
	d.partial = append(d.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(d.partial[:i]), "\r")
		d.partial = append(d.partial[:0], d.partial[i+1:]...)
		d.written = append(d.written, line)
		lines = append(lines, line)
	}
	respond := d.Respond
	d.mu.Unlock()

	if respond == nil {
		respond = FirmwareReply
	}
	var out []string
	for _, line := range lines {
		out = append(out, respond(line)...)
	}
	if len(out) > 0 {
		d.Inject(out...)
	}
	return len(p), nil
}

// Close marks the device closed. Blocked readers return an error.
func (d *FakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (d *FakeDevice) SetReadTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = timeout
	return nil
}

// ResetInputBuffer drops pending device output.
func (d *FakeDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx.Reset()
	return nil
}

// ResetOutputBuffer implements BufferResetter.
func (d *FakeDevice) ResetOutputBuffer() error { return nil }

// Inject queues unsolicited lines for the host to read.
func (d *FakeDevice) Inject(lines ...string) {
	d.mu.Lock()
	for _, l := range lines {
		d.rx.WriteString(l + "\n")
	}
	d.mu.Unlock()
	d.signal()
}

// InjectRaw queues bytes exactly as given.
func (d *FakeDevice) InjectRaw(b []byte) {
	d.mu.Lock()
	d.rx.Write(b)
	d.mu.Unlock()
	d.signal()
}

// Written returns every line received so far.
func (d *FakeDevice) Written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.written...)
}

// Opens returns how many times the device has been opened.
func (d *FakeDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closed reports whether the device is currently closed.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// FakeFirmwareVersion is what FirmwareReply answers to FWVER.
const FakeFirmwareVersion = "1.4.0-fake"

// FakeCapabilities is the command list FirmwareReply advertises on CAPS.
var FakeCapabilities = []string{
	"PING", "SERVOPWR", "SETAENGINE", "SETBENGINE", "SETALLENGINE",
	"SETSERVO", "SERVOCENTER", "ESTOP", "TELEM", "CAPS", "FWVER",
}

// FirmwareReply answers a command the way the stock controller firmware does.
func FirmwareReply(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "PING":
		return []string{"OK PONG"}
	case "SETAENGINE", "SETBENGINE", "SETALLENGINE":
		if len(args) != 1 {
			return []string{"ERR BadArgs"}
		}
		v, err := strconv.Atoi(args[0])
		if err != nil || v < -255 || v > 255 {
			return []string{"ERR BadSpeed"}
		}
		return []string{fmt.Sprintf("OK %s %d", fields[0], v)}
	case "SETSERVO":
		if len(args) != 2 {
			return []string{"ERR BadArgs"}
		}
		id, err1 := strconv.Atoi(args[0])
		deg, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || id < 1 || deg < 0 || deg > 180 {
			return []string{"ERR BadServo"}
		}
		return []string{fmt.Sprintf("OK SetServo %d %d", id, deg)}
	case "SERVOCENTER":
		return []string{"OK SERVO_CENTER"}
	case "SERVOPWR":
		if len(args) != 1 {
			return []string{"ERR BadArgs"}
		}
		mode := strings.ToUpper(args[0])
		if mode != "ARDUINO" && mode != "EXTERNAL" {
			return []string{"ERR BadMode"}
		}
		return []string{"OK SERVO_PWR " + mode}
	case "ESTOP":
		if len(args) > 0 && strings.EqualFold(args[0], "RESET") {
			return []string{"OK ESTOP RESET"}
		}
		return []string{"OK ESTOP"}
	case "TELEM", "TELEMETRY":
		return []string{`OK TELEM {"uptime_ms":1000,"vcc_mv":5000,"estop":false}`}
	case "CAPS":
		caps := `"` + strings.Join(FakeCapabilities, `","`) + `"`
		return []string{`OK CAPS {"commands":[` + caps + `]}`}
	case "FWVER":
		return []string{"OK FWVER " + FakeFirmwareVersion}
	default:
		return []string{"ERR UnknownCommand"}
	}
}

// NewFakeSerialMux creates a SerialMux backed by a FakeDevice with no boot
// settle, for --dev mode and tests.
func NewFakeSerialMux() (*SerialMux, *FakeDevice) {
	dev := NewFakeDevice()
	dev.Banner = []string{"OK READY", "OK START"}
	return NewSerialMux(NewLink(dev.Opener(), LinkOptions{ReadPoll: 10 * time.Millisecond})), dev
}
