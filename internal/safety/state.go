// Package safety holds the process-wide E-STOP latch, the motor and servo
// activity timestamps and the idle watchdog that drives actuators to a safe
// state when clients go quiet.
package safety

import (
	"errors"
	"time"

	"go.uber.org/atomic"

	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

// ErrEstopDisabled is returned by trigger and reset when E-STOP support is
// switched off in the configuration.
var ErrEstopDisabled = errors.New("E-STOP is disabled in settings")

// Config controls the latch and the watchdog.
type Config struct {
	EstopEnabled bool

	WatchdogEnabled bool
	Tick            time.Duration
	// MotorIdle is how long after the last motor command the motors are
	// stopped. Zero disables the motor check.
	MotorIdle time.Duration

	ServoSafeEnabled bool
	ServoIdle        time.Duration
}

// DefaultConfig returns the watchdog settings used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		EstopEnabled:    true,
		WatchdogEnabled: true,
		Tick:            200 * time.Millisecond,
		MotorIdle:       time.Second,
		ServoIdle:       10 * time.Second,
	}
}

// State is the shared safety state. It implements actuator.Interlock and
// serialmux.Observer.
type State struct {
	clock timeutil.Clock

	estopEnabled bool
	estop        atomic.Bool
	lastMotor    atomic.Time
	lastServo    atomic.Time
}

// NewState creates a State with the latch cleared.
func NewState(estopEnabled bool, clock timeutil.Clock) *State {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &State{clock: clock, estopEnabled: estopEnabled}
}

// EstopActive reports whether the latch is set.
func (s *State) EstopActive() bool {
	return s.estop.Load()
}

// EstopEnabled reports whether the latch may be used at all.
func (s *State) EstopEnabled() bool {
	return s.estopEnabled
}

func (s *State) setEstop(v bool) {
	s.estop.Store(v)
}

// ObserveExchange records actuator activity for successful exchanges that
// were not issued quietly by a safety action.
func (s *State) ObserveExchange(e serialmux.Exchange) {
	if e.Err != nil || e.Quiet {
		return
	}
	switch serialmux.Verb(e.Line) {
	case "SETAENGINE", "SETBENGINE", "SETALLENGINE":
		s.lastMotor.Store(s.clock.Now())
	case "SETSERVO", "SETSERVOS", "SERVOCENTER", "SERVO_CENTER":
		s.lastServo.Store(s.clock.Now())
	}
}

// LastMotorActivity returns the time of the last motor command, or the zero
// time if there has been none.
func (s *State) LastMotorActivity() time.Time {
	return s.lastMotor.Load()
}

// LastServoActivity returns the time of the last servo command, or the zero
// time if there has been none.
func (s *State) LastServoActivity() time.Time {
	return s.lastServo.Load()
}

// Snapshot is the JSON view served on /safety/state.
type Snapshot struct {
	EstopEnabled      bool       `json:"estop_enabled"`
	Estop             bool       `json:"estop"`
	LastMotorActivity *time.Time `json:"last_motor_activity"`
	LastServoActivity *time.Time `json:"last_servo_activity"`
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{EstopEnabled: s.estopEnabled, Estop: s.EstopActive()}
	if t := s.LastMotorActivity(); !t.IsZero() {
		snap.LastMotorActivity = &t
	}
	if t := s.LastServoActivity(); !t.IsZero() {
		snap.LastServoActivity = &t
	}
	return snap
}
