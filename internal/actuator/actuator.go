// Package actuator turns drive and servo intents into controller command
// lines. It clamps, applies deadzone and slew shaping, rate limits servos and
// refuses to actuate while the E-STOP latch is set.
package actuator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

// Channel is the part of the serial mux the policy dispatches through.
type Channel interface {
	Send(ctx context.Context, cmd serialmux.Command) (string, error)
	SendBatch(ctx context.Context, cmds ...serialmux.Command) ([]string, error)
}

// Interlock reports whether actuation is currently forbidden.
type Interlock interface {
	EstopActive() bool
}

// RateLimitMode selects what happens when a servo is commanded too quickly.
type RateLimitMode string

const (
	RateLimitReject RateLimitMode = "reject"
	RateLimitSleep  RateLimitMode = "sleep"
)

// Limit is an inclusive angle range in degrees.
type Limit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Config holds the actuation limits.
type Config struct {
	ServoCount int
	DefaultMin int
	DefaultMax int
	Center     int
	Limits     map[int]Limit
	SafePose   map[int]int

	// SlewRate caps servo movement in degrees per second. Zero disables it.
	SlewRate float64
	// MaxCmdHz caps how often one servo is commanded. Zero disables it.
	MaxCmdHz      float64
	RateLimitMode RateLimitMode

	MotorTimeout time.Duration
	ServoTimeout time.Duration
	PowerTimeout time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ServoCount:    4,
		DefaultMin:    0,
		DefaultMax:    180,
		Center:        90,
		RateLimitMode: RateLimitReject,
		MotorTimeout:  2500 * time.Millisecond,
		ServoTimeout:  3500 * time.Millisecond,
		PowerTimeout:  3 * time.Second,
	}
}

// Policy is the single actuation entry point shared by the REST handlers,
// the WebSocket sessions and the watchdog.
type Policy struct {
	ch    Channel
	lock  Interlock
	cfg   Config
	clock timeutil.Clock

	mu     sync.Mutex
	servos map[int]*servoState
	slots  map[int]time.Time // reserved dispatch time per servo id
	power  string

	capsMu sync.RWMutex
	caps   map[string]bool
}

// NewPolicy creates a Policy. A nil interlock never blocks and a nil clock
// uses the wall clock.
func NewPolicy(ch Channel, lock Interlock, cfg Config, clock timeutil.Clock) *Policy {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	def := DefaultConfig()
	if cfg.MotorTimeout <= 0 {
		cfg.MotorTimeout = def.MotorTimeout
	}
	if cfg.ServoTimeout <= 0 {
		cfg.ServoTimeout = def.ServoTimeout
	}
	if cfg.PowerTimeout <= 0 {
		cfg.PowerTimeout = def.PowerTimeout
	}
	if cfg.RateLimitMode == "" {
		cfg.RateLimitMode = RateLimitReject
	}
	return &Policy{
		ch:     ch,
		lock:   lock,
		cfg:    cfg,
		clock:  clock,
		servos: make(map[int]*servoState),
		slots:  make(map[int]time.Time),
	}
}

// Config returns the limits the policy was built with.
func (p *Policy) Config() Config {
	return p.cfg
}

func (p *Policy) estopped() bool {
	return p.lock != nil && p.lock.EstopActive()
}

// SetCapabilities installs the firmware's supported command list. A nil
// slice permits every command.
func (p *Policy) SetCapabilities(cmds []string) {
	p.capsMu.Lock()
	defer p.capsMu.Unlock()
	if cmds == nil {
		p.caps = nil
		return
	}
	p.caps = make(map[string]bool, len(cmds))
	for _, c := range cmds {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			p.caps[c] = true
		}
	}
}

// Capabilities returns the installed command list, sorted, or nil when every
// command is permitted.
func (p *Policy) Capabilities() []string {
	p.capsMu.RLock()
	defer p.capsMu.RUnlock()
	if p.caps == nil {
		return nil
	}
	out := make([]string, 0, len(p.caps))
	for c := range p.caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Missing returns the commands in required the firmware does not advertise.
func (p *Policy) Missing(required ...string) []string {
	p.capsMu.RLock()
	defer p.capsMu.RUnlock()
	if p.caps == nil {
		return nil
	}
	var missing []string
	for _, r := range required {
		if !p.caps[strings.ToLower(strings.TrimSpace(r))] {
			missing = append(missing, r)
		}
	}
	return missing
}

func (p *Policy) require(cmds ...string) error {
	if missing := p.Missing(cmds...); len(missing) > 0 {
		return &UnsupportedError{Commands: missing}
	}
	return nil
}

func logf(format string, v ...any) {
	monitoring.Logf(format, v...)
}
