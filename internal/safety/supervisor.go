package safety

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

const estopTimeout = 2500 * time.Millisecond

// Safety event kinds passed to an EventRecorder.
const (
	EventEstop           = "estop"
	EventEstopReset      = "estop_reset"
	EventWatchdogStop    = "watchdog_motor_stop"
	EventWatchdogSafePos = "watchdog_servo_safe_pose"
)

// Actuator is what the supervisor drives on E-STOP and idle.
type Actuator interface {
	StopMotors(ctx context.Context, quiet bool) (actuator.DriveResult, error)
	SafePose(ctx context.Context) ([]string, error)
}

// Sender sends the firmware-level E-STOP commands.
type Sender interface {
	Send(ctx context.Context, cmd serialmux.Command) (string, error)
}

// EventRecorder receives every safety action taken.
type EventRecorder interface {
	RecordSafetyEvent(kind, detail string)
}

// Supervisor owns the E-STOP controls and the idle watchdog.
type Supervisor struct {
	state    *State
	act      Actuator
	ch       Sender
	cfg      Config
	clock    timeutil.Clock
	recorder EventRecorder

	// owned by the watchdog goroutine
	motorApplied bool
	servoApplied bool
}

// NewSupervisor creates a Supervisor. act and ch may be nil when there is no
// serial layer, in which case safety actions only flip the latch.
func NewSupervisor(state *State, act Actuator, ch Sender, cfg Config, clock timeutil.Clock) *Supervisor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	return &Supervisor{state: state, act: act, ch: ch, cfg: cfg, clock: clock}
}

// SetRecorder installs r to receive safety events.
func (s *Supervisor) SetRecorder(r EventRecorder) {
	s.recorder = r
}

// State returns the shared safety state.
func (s *Supervisor) State() *State {
	return s.state
}

func (s *Supervisor) record(kind, detail string) {
	monitoring.Logf("safety: %s %s", kind, detail)
	if s.recorder != nil {
		s.recorder.RecordSafetyEvent(kind, detail)
	}
}

// TriggerEstop sets the latch, stops the motors and tells the firmware.
// Device errors are logged, never returned: the latch is what matters.
func (s *Supervisor) TriggerEstop(ctx context.Context, reason string) error {
	if !s.state.EstopEnabled() {
		return ErrEstopDisabled
	}
	s.state.setEstop(true)
	s.record(EventEstop, reason)

	if s.act != nil {
		if _, err := s.act.StopMotors(ctx, false); err != nil {
			monitoring.Logf("estop: motor stop failed: %v", err)
		}
	}
	if s.ch != nil {
		// older firmware has no EStop verb
		if _, err := s.ch.Send(ctx, serialmux.Command{Line: "EStop", Expect: []string{"OK ESTOP"}, MaxWait: estopTimeout}); err != nil {
			monitoring.Logf("estop: firmware EStop failed: %v", err)
		}
	}
	return nil
}

// ResetEstop clears the latch and tells the firmware.
func (s *Supervisor) ResetEstop(ctx context.Context, reason string) error {
	if !s.state.EstopEnabled() {
		return ErrEstopDisabled
	}
	s.state.setEstop(false)
	s.record(EventEstopReset, reason)

	if s.ch != nil {
		if _, err := s.ch.Send(ctx, serialmux.Command{Line: "EStop RESET", Expect: []string{"OK ESTOP"}, MaxWait: estopTimeout}); err != nil {
			monitoring.Logf("estop: firmware reset failed: %v", err)
		}
	}
	return nil
}

// Run ticks the watchdog until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.safeTick(ctx)
		}
	}
}

func (s *Supervisor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("watchdog: recovered from panic: %v\n%s", r, debug.Stack())
		}
	}()
	s.tick(ctx)
}

// tick issues at most one stop and one safe pose per idle episode. The
// commands it sends are quiet, so they do not count as activity and cannot
// end the episode themselves.
func (s *Supervisor) tick(ctx context.Context) {
	if !s.cfg.WatchdogEnabled || s.act == nil {
		return
	}
	now := s.clock.Now()

	last := s.state.LastMotorActivity()
	if s.cfg.MotorIdle > 0 && !last.IsZero() && now.Sub(last) >= s.cfg.MotorIdle {
		if !s.motorApplied {
			// marked even on failure so a dead link is not retried every tick
			s.motorApplied = true
			if _, err := s.act.StopMotors(ctx, true); err != nil {
				monitoring.Logf("watchdog: motor stop failed: %v", err)
			}
			s.record(EventWatchdogStop, fmt.Sprintf("idle %s", now.Sub(last).Round(time.Millisecond)))
		}
	} else {
		s.motorApplied = false
	}

	if !s.cfg.ServoSafeEnabled {
		return
	}
	last = s.state.LastServoActivity()
	if s.cfg.ServoIdle > 0 && !last.IsZero() && now.Sub(last) >= s.cfg.ServoIdle {
		if !s.servoApplied {
			s.servoApplied = true
			if s.state.EstopActive() {
				return
			}
			if _, err := s.act.SafePose(ctx); err != nil {
				monitoring.Logf("watchdog: servo safe pose failed: %v", err)
			}
			s.record(EventWatchdogSafePos, fmt.Sprintf("idle %s", now.Sub(last).Round(time.Millisecond)))
		}
	} else {
		s.servoApplied = false
	}
}
