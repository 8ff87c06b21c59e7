// Package device talks to the controller about itself: capability and
// firmware probing, telemetry and the servo power bootstrap.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

const (
	// DefaultProbeTimeout bounds each probe command.
	DefaultProbeTimeout = 2500 * time.Millisecond

	pingTimeout       = 2 * time.Second
	telemetryTimeout  = 2500 * time.Millisecond
	telemetryAttempts = 2
	telemetryBackoff  = 50 * time.Millisecond

	bootAttempts     = 6
	bootBackoff      = 250 * time.Millisecond
	bootPingTimeout  = 2500 * time.Millisecond
	bootPowerTimeout = 3 * time.Second
)

// bootDrain is how long boot chatter is discarded before the first PING.
var bootDrain = 2 * time.Second

// versionCommands are tried in order until one answers.
var versionCommands = []string{"FWVER", "VERSION", "VER"}

// Sender is the part of the serial mux the device layer uses.
type Sender interface {
	Send(ctx context.Context, cmd serialmux.Command) (string, error)
	Drain(ctx context.Context, d time.Duration) ([]string, error)
}

// Firmware identifies the command that answered the version probe and its
// payload, either {"value": text} or the decoded JSON object.
type Firmware struct {
	Cmd   string         `json:"cmd"`
	Reply map[string]any `json:"reply"`
}

// Info is the result of a probe. Any part may be missing on old firmware.
type Info struct {
	ProbedAt          time.Time      `json:"ts_utc"`
	Caps              map[string]any `json:"caps"`
	Firmware          *Firmware      `json:"fw"`
	SupportedCommands []string       `json:"supported_commands"`
}

// Telemetry is the /telemetry/arduino payload.
type Telemetry struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Device caches what the controller reported about itself.
type Device struct {
	ch    Sender
	port  string
	clock timeutil.Clock

	mu   sync.RWMutex
	info *Info
}

// New creates a Device reached through ch on port.
func New(ch Sender, port string, clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{ch: ch, port: port, clock: clock}
}

// Port returns the serial device path, or "" when unknown.
func (d *Device) Port() string {
	return d.port
}

// Info returns the last probe result, or nil if never probed.
func (d *Device) Info() *Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// Probe asks for CAPS and then the firmware version. Every step is optional.
// The result is cached and returned.
func (d *Device) Probe(ctx context.Context, timeout time.Duration) Info {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	info := Info{ProbedAt: d.clock.Now().UTC()}

	reply, err := d.ch.Send(ctx, serialmux.Command{Line: "CAPS", Expect: []string{"OK CAPS"}, MaxWait: timeout})
	if err == nil {
		caps, perr := serialmux.ParseReplyJSON(reply, "CAPS")
		if perr == nil {
			info.Caps = caps
			info.SupportedCommands = commandList(caps)
		} else {
			monitoring.Logf("device probe: bad CAPS reply: %v", perr)
		}
	} else {
		monitoring.Logf("device probe: CAPS unavailable: %v", err)
	}

	for _, cmd := range versionCommands {
		reply, err := d.ch.Send(ctx, serialmux.Command{Line: cmd, Expect: []string{"OK " + cmd}, MaxWait: timeout})
		if err != nil {
			continue
		}
		info.Firmware = &Firmware{Cmd: cmd, Reply: textOrJSON(reply, cmd)}
		break
	}

	d.mu.Lock()
	d.info = &info
	d.mu.Unlock()
	return info
}

func commandList(caps map[string]any) []string {
	raw, ok := caps["commands"]
	if !ok {
		raw = caps["supported_commands"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func textOrJSON(reply, token string) map[string]any {
	if data, err := serialmux.ParseReplyJSON(reply, token); err == nil {
		return data
	}
	tail, _ := serialmux.ReplyPayload(reply, token)
	return map[string]any{"value": tail}
}

// Ping checks the controller answers.
func (d *Device) Ping(ctx context.Context) (string, error) {
	return d.ch.Send(ctx, serialmux.Command{Line: "PING", Expect: []string{"OK PONG"}, MaxWait: pingTimeout})
}

// Telemetry reads the controller's TELEM report, retrying once. Failures are
// reported in the result rather than returned.
func (d *Device) Telemetry(ctx context.Context) Telemetry {
	var lastErr error
	for i := 0; i < telemetryAttempts; i++ {
		if i > 0 {
			if err := timeutil.Sleep(ctx, d.clock, telemetryBackoff); err != nil {
				lastErr = err
				break
			}
		}
		reply, err := d.ch.Send(ctx, serialmux.Command{Line: "TELEM", Expect: []string{"OK TELEM"}, MaxWait: telemetryTimeout})
		if err != nil {
			lastErr = err
			continue
		}
		data, err := serialmux.ParseReplyJSON(reply, "TELEM")
		if err != nil {
			lastErr = err
			continue
		}
		return Telemetry{OK: true, Data: data}
	}
	return Telemetry{Error: lastErr.Error()}
}

// EnsureServoPower brings the controller to a known servo power mode at
// boot: drain the boot chatter, wait for PING to answer, then apply mode.
func (d *Device) EnsureServoPower(ctx context.Context, mode string) (string, error) {
	m, ok := actuator.NormalizePowerMode(mode)
	if !ok {
		return "", fmt.Errorf("servo power mode %q must be ARDUINO or EXTERNAL", mode)
	}

	if lines, err := d.ch.Drain(ctx, bootDrain); err != nil {
		monitoring.Logf("boot drain failed: %v", err)
	} else if len(lines) > 0 {
		monitoring.Logf("boot drain discarded %d lines", len(lines))
	}

	ping := serialmux.Command{Line: "PING", Expect: []string{"OK PONG"}, MaxWait: bootPingTimeout}
	if err := d.retry(ctx, ping); err != nil {
		return "", fmt.Errorf("controller does not answer PING reliably: %w", err)
	}

	power := serialmux.Command{Line: "ServoPwr " + m, Expect: []string{"OK SERVO_PWR"}, MaxWait: bootPowerTimeout}
	if err := d.retry(ctx, power); err != nil {
		return "", fmt.Errorf("failed to set servo power %s: %w", m, err)
	}
	return m, nil
}

func (d *Device) retry(ctx context.Context, cmd serialmux.Command) error {
	var lastErr error
	for i := 0; i < bootAttempts; i++ {
		if i > 0 {
			if err := timeutil.Sleep(ctx, d.clock, bootBackoff); err != nil {
				return err
			}
		}
		if _, err := d.ch.Send(ctx, cmd); err != nil {
			lastErr = err
			monitoring.Logf("%s attempt %d/%d failed: %v", strings.Fields(cmd.Line)[0], i+1, bootAttempts, err)
			continue
		}
		return nil
	}
	return lastErr
}
