package actuator

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/motorbridge/internal/serialmux"
)

// Motor command verbs.
const (
	VerbMotorA   = "SetAEngine"
	VerbMotorB   = "SetBEngine"
	VerbMotorAll = "SetAllEngine"
)

// JoystickInput is one joystick sample. X turns, Y is throttle.
type JoystickInput struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Deadzone int     `json:"deadzone"`
	Scale    float64 `json:"scale"`
}

// DefaultJoystickInput carries the defaults applied to fields a client omits.
func DefaultJoystickInput() JoystickInput {
	return JoystickInput{Deadzone: 20, Scale: 1.0}
}

// Validate checks the sample ranges.
func (in JoystickInput) Validate() error {
	switch {
	case in.X < -MaxSpeed || in.X > MaxSpeed:
		return invalid("x", "%d outside -255..255", in.X)
	case in.Y < -MaxSpeed || in.Y > MaxSpeed:
		return invalid("y", "%d outside -255..255", in.Y)
	case in.Deadzone < 0 || in.Deadzone > 80:
		return invalid("deadzone", "%d outside 0..80", in.Deadzone)
	case in.Scale < 0 || in.Scale > 1:
		return invalid("scale", "%g outside 0..1", in.Scale)
	}
	return nil
}

// DriveResult is what a two-motor dispatch sent and got back.
type DriveResult struct {
	MotorA  int      `json:"motor_a"`
	MotorB  int      `json:"motor_b"`
	Sent    []string `json:"sent"`
	Replies []string `json:"replies"`
}

// MotorResult is the outcome of a single raw motor command.
type MotorResult struct {
	Sent  string `json:"sent"`
	Reply string `json:"reply"`
}

// Mix runs the joystick pipeline without dispatching: deadzone, scale, then
// tank mix.
func Mix(in JoystickInput) (a, b int) {
	x := scaleAxis(Deadzone(in.X, in.Deadzone), in.Scale)
	y := scaleAxis(Deadzone(in.Y, in.Deadzone), in.Scale)
	return TankMix(x, y)
}

// Joystick validates a sample, mixes it and dispatches both motors as one
// batch.
func (p *Policy) Joystick(ctx context.Context, in JoystickInput) (DriveResult, error) {
	if err := in.Validate(); err != nil {
		return DriveResult{}, err
	}
	a, b := Mix(in)
	return p.Drive(ctx, a, b)
}

// Drive sets motor A then motor B under a single hold of the link.
func (p *Policy) Drive(ctx context.Context, a, b int) (DriveResult, error) {
	if p.estopped() {
		return DriveResult{}, ErrEstopActive
	}
	if err := p.require(VerbMotorA, VerbMotorB); err != nil {
		return DriveResult{}, err
	}
	a = Clamp(a, -MaxSpeed, MaxSpeed)
	b = Clamp(b, -MaxSpeed, MaxSpeed)
	return p.dispatchPair(ctx, a, b, false)
}

func (p *Policy) dispatchPair(ctx context.Context, a, b int, quiet bool) (DriveResult, error) {
	sent := []string{
		fmt.Sprintf("%s %d", VerbMotorA, a),
		fmt.Sprintf("%s %d", VerbMotorB, b),
	}
	replies, err := p.ch.SendBatch(ctx,
		serialmux.Command{Line: sent[0], MaxWait: p.cfg.MotorTimeout, Quiet: quiet},
		serialmux.Command{Line: sent[1], MaxWait: p.cfg.MotorTimeout, Quiet: quiet},
	)
	if err != nil {
		return DriveResult{}, err
	}
	return DriveResult{MotorA: a, MotorB: b, Sent: sent, Replies: replies}, nil
}

// SetMotor sends one raw motor verb. The verb is matched case-insensitively.
func (p *Policy) SetMotor(ctx context.Context, verb string, speed int) (MotorResult, error) {
	canonical, ok := motorVerb(verb)
	if !ok {
		return MotorResult{}, invalid("cmd", "unknown motor command %q", verb)
	}
	if speed < -MaxSpeed || speed > MaxSpeed {
		return MotorResult{}, invalid("speed", "%d outside -255..255", speed)
	}
	if p.estopped() {
		return MotorResult{}, ErrEstopActive
	}
	if err := p.require(canonical); err != nil {
		return MotorResult{}, err
	}
	line := fmt.Sprintf("%s %d", canonical, speed)
	reply, err := p.ch.Send(ctx, serialmux.Command{Line: line, MaxWait: p.cfg.MotorTimeout})
	if err != nil {
		return MotorResult{}, err
	}
	return MotorResult{Sent: line, Reply: reply}, nil
}

func motorVerb(v string) (string, bool) {
	for _, c := range []string{VerbMotorA, VerbMotorB, VerbMotorAll} {
		if strings.EqualFold(strings.TrimSpace(v), c) {
			return c, true
		}
	}
	return "", false
}

// StopMotors sets both motors to zero. It is permitted while the E-STOP
// latch is set. Quiet stops are not counted as motor activity.
func (p *Policy) StopMotors(ctx context.Context, quiet bool) (DriveResult, error) {
	return p.dispatchPair(ctx, 0, 0, quiet)
}
