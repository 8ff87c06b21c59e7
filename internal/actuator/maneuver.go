package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/motorbridge/internal/timeutil"
)

// Maneuver is one of the named drive presets.
type Maneuver int

const (
	ManeuverStop Maneuver = iota
	ManeuverForward
	ManeuverBackward
	ManeuverTurnLeft
	ManeuverTurnRight
	ManeuverSpinLeft
	ManeuverSpinRight
	ManeuverSlowMode
)

// MaxManeuverDuration bounds how long a timed maneuver may run.
const MaxManeuverDuration = 10 * time.Second

// Maneuvers lists every maneuver in display order.
func Maneuvers() []Maneuver {
	return []Maneuver{
		ManeuverStop, ManeuverForward, ManeuverBackward, ManeuverTurnLeft,
		ManeuverTurnRight, ManeuverSpinLeft, ManeuverSpinRight, ManeuverSlowMode,
	}
}

func (m Maneuver) String() string {
	switch m {
	case ManeuverStop:
		return "stop"
	case ManeuverForward:
		return "forward"
	case ManeuverBackward:
		return "backward"
	case ManeuverTurnLeft:
		return "turn_left"
	case ManeuverTurnRight:
		return "turn_right"
	case ManeuverSpinLeft:
		return "spin_left"
	case ManeuverSpinRight:
		return "spin_right"
	case ManeuverSlowMode:
		return "slow_mode"
	}
	return fmt.Sprintf("Maneuver(%d)", int(m))
}

// Title is the human readable name shown by /actions/list.
func (m Maneuver) Title() string {
	switch m {
	case ManeuverStop:
		return "Stop"
	case ManeuverForward:
		return "Forward"
	case ManeuverBackward:
		return "Backward"
	case ManeuverTurnLeft:
		return "Turn left"
	case ManeuverTurnRight:
		return "Turn right"
	case ManeuverSpinLeft:
		return "Spin left"
	case ManeuverSpinRight:
		return "Spin right"
	case ManeuverSlowMode:
		return "Slow mode"
	}
	return m.String()
}

// ParseManeuver looks a maneuver up by its String name.
func ParseManeuver(name string) (Maneuver, error) {
	for _, m := range Maneuvers() {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, invalid("action", "unknown action %q", name)
}

// Wheels maps power (clamped to 0..255) to left and right motor speeds.
func (m Maneuver) Wheels(power int) (left, right int) {
	p := Clamp(power, 0, MaxSpeed)
	switch m {
	case ManeuverForward:
		return p, p
	case ManeuverBackward:
		return -p, -p
	case ManeuverTurnLeft:
		return int(float64(p) * 0.4), p
	case ManeuverTurnRight:
		return p, int(float64(p) * 0.4)
	case ManeuverSpinLeft:
		return -p, p
	case ManeuverSpinRight:
		return p, -p
	case ManeuverSlowMode:
		slow := int(float64(p) * 0.3)
		return slow, slow
	default:
		return 0, 0
	}
}

// ManeuverResult lists every line sent for a maneuver, including a trailing
// stop, with the replies received.
type ManeuverResult struct {
	Action  string   `json:"action"`
	Sent    []string `json:"sent"`
	Replies []string `json:"replies"`
}

// RunManeuver dispatches m at power. With a non-zero duration it then waits
// and sends stop. The stop is attempted even when the move failed or ctx was
// cancelled.
func (p *Policy) RunManeuver(ctx context.Context, m Maneuver, power int, duration time.Duration) (ManeuverResult, error) {
	if duration < 0 || duration > MaxManeuverDuration {
		return ManeuverResult{}, invalid("duration_ms", "%d outside 0..%d", duration.Milliseconds(), MaxManeuverDuration.Milliseconds())
	}
	res := ManeuverResult{Action: m.String()}

	var moveErr error
	if m == ManeuverStop {
		var out DriveResult
		out, moveErr = p.StopMotors(ctx, false)
		res.Sent, res.Replies = out.Sent, out.Replies
	} else {
		left, right := m.Wheels(power)
		var out DriveResult
		out, moveErr = p.Drive(ctx, left, right)
		res.Sent, res.Replies = out.Sent, out.Replies
	}
	if duration == 0 {
		return res, moveErr
	}
	// nothing was sent, so there is nothing to stop
	if errors.Is(moveErr, ErrEstopActive) || isUnsupported(moveErr) {
		return res, moveErr
	}

	if moveErr == nil {
		if err := timeutil.Sleep(ctx, p.clock, duration); err != nil {
			logf("maneuver %s wait interrupted: %v", m, err)
		}
	}

	stop, stopErr := p.StopMotors(context.WithoutCancel(ctx), false)
	res.Sent = append(res.Sent, stop.Sent...)
	res.Replies = append(res.Replies, stop.Replies...)
	if stopErr != nil {
		logf("maneuver %s trailing stop failed: %v", m, stopErr)
	}
	if moveErr != nil {
		return res, errors.Join(moveErr, stopErr)
	}
	return res, stopErr
}

func isUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}
