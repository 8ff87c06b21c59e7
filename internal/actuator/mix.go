package actuator

import "math"

// MaxSpeed is the largest magnitude accepted by the motor verbs.
const MaxSpeed = 255

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Deadzone zeroes v when |v| < dz. A value exactly on the boundary is kept.
func Deadzone(v, dz int) int {
	if abs(v) < dz {
		return 0
	}
	return v
}

// TankMix converts a turn axis x and a throttle axis y into left and right
// motor speeds.
func TankMix(x, y int) (left, right int) {
	return Clamp(y+x, -MaxSpeed, MaxSpeed), Clamp(y-x, -MaxSpeed, MaxSpeed)
}

// scaleAxis multiplies v by scale and rounds half away from zero.
func scaleAxis(v int, scale float64) int {
	return int(math.Round(float64(v) * scale))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
