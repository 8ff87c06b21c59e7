package actuator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

const (
	// VerbServo is the single-servo set command.
	VerbServo = "SetServo"

	// MaxBatchItems bounds a servo batch.
	MaxBatchItems = 64

	// minSlewInterval stands in for a zero or negative elapsed time.
	minSlewInterval = 20 * time.Millisecond
)

// Servo power supply modes.
const (
	PowerArduino  = "ARDUINO"
	PowerExternal = "EXTERNAL"
)

type servoState struct {
	deg        int
	updated    time.Time
	dispatched time.Time
}

// ServoTarget is one requested servo position.
type ServoTarget struct {
	ID  int `json:"id"`
	Deg int `json:"deg"`
}

// ServoResult reports what was actually commanded for one servo.
type ServoResult struct {
	ID           int    `json:"id"`
	RequestedDeg int    `json:"requested_deg"`
	AppliedDeg   int    `json:"applied_deg"`
	Sent         string `json:"sent"`
	Reply        string `json:"reply"`
}

// ServoPowerResult is the outcome of a servo power mode change.
type ServoPowerResult struct {
	Mode  string `json:"mode"`
	Sent  string `json:"sent"`
	Reply string `json:"reply"`
}

// LimitFor resolves the angle range for id: the per-id override or the
// default, clamped into 0..180 with the ends swapped if reversed.
func (c Config) LimitFor(id int) Limit {
	lo, hi := c.DefaultMin, c.DefaultMax
	if l, ok := c.Limits[id]; ok {
		lo, hi = l.Min, l.Max
	}
	lo = Clamp(lo, 0, 180)
	hi = Clamp(hi, 0, 180)
	if lo > hi {
		lo, hi = hi, lo
	}
	return Limit{Min: lo, Max: hi}
}

// SafeDeg is the position id is driven to by center and the idle watchdog.
func (c Config) SafeDeg(id int) int {
	if deg, ok := c.SafePose[id]; ok {
		return deg
	}
	return c.Center
}

// Slew moves last toward target by at most rate*dt degrees, and by at least
// one degree, without overshooting.
func Slew(last, target int, rate float64, dt time.Duration) int {
	if rate <= 0 {
		return target
	}
	if dt <= 0 {
		dt = minSlewInterval
	}
	maxDelta := rate * dt.Seconds()
	if maxDelta < 1 {
		maxDelta = 1
	}
	delta := target - last
	if math.Abs(float64(delta)) <= maxDelta {
		return target
	}
	step := int(math.Round(maxDelta))
	if delta < 0 {
		return last - step
	}
	return last + step
}

// SetServo commands one servo to deg after limit clamping, slew shaping and
// rate limiting.
func (p *Policy) SetServo(ctx context.Context, id, deg int) (ServoResult, error) {
	if id < 1 || id > p.cfg.ServoCount {
		return ServoResult{}, invalid("id", "servo id out of range: %d (allowed 1..%d)", id, p.cfg.ServoCount)
	}
	if deg < 0 || deg > 180 {
		return ServoResult{}, invalid("deg", "%d outside 0..180", deg)
	}
	if p.estopped() {
		return ServoResult{}, ErrEstopActive
	}
	if err := p.require(VerbServo); err != nil {
		return ServoResult{}, err
	}

	lim := p.cfg.LimitFor(id)
	target := Clamp(deg, lim.Min, lim.Max)

	p.mu.Lock()
	now := p.clock.Now()
	st, seen := p.servos[id]
	if seen {
		target = Slew(st.deg, target, p.cfg.SlewRate, now.Sub(st.updated))
	}
	var wait time.Duration
	prev, reserved := p.slots[id]
	if p.cfg.MaxCmdHz > 0 && (seen || reserved) {
		interval := time.Duration(float64(time.Second) / math.Max(1, p.cfg.MaxCmdHz))
		last := prev
		if seen && st.dispatched.After(last) {
			last = st.dispatched
		}
		if next := last.Add(interval); next.After(now) {
			wait = next.Sub(now)
		}
	}
	if wait > 0 && p.cfg.RateLimitMode != RateLimitSleep {
		p.mu.Unlock()
		retry := wait.Round(time.Millisecond)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		return ServoResult{}, &RateLimitedError{ServoID: id, RetryAfter: retry}
	}
	// Hold the slot so concurrent callers for the same id see it taken.
	slot := now.Add(wait)
	p.slots[id] = slot
	p.mu.Unlock()

	if wait > 0 {
		if err := timeutil.Sleep(ctx, p.clock, wait); err != nil {
			p.release(id, slot, prev, reserved)
			return ServoResult{}, err
		}
	}

	line := fmt.Sprintf("%s %d %d", VerbServo, id, target)
	reply, err := p.ch.Send(ctx, serialmux.Command{Line: line, MaxWait: p.cfg.ServoTimeout})
	if err != nil {
		p.release(id, slot, prev, reserved)
		return ServoResult{}, err
	}
	p.record(id, target)

	return ServoResult{ID: id, RequestedDeg: deg, AppliedDeg: target, Sent: line, Reply: reply}, nil
}

func (p *Policy) record(id, deg int) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servos[id] = &servoState{deg: deg, updated: now, dispatched: now}
	if slot, ok := p.slots[id]; ok && !slot.After(now) {
		delete(p.slots, id)
	}
}

// release gives back a slot reserved by a dispatch that never reached the
// wire, unless a later caller has already taken a newer one.
func (p *Policy) release(id int, slot, prev time.Time, hadPrev bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.slots[id]; !ok || !cur.Equal(slot) {
		return
	}
	if hadPrev {
		p.slots[id] = prev
	} else {
		delete(p.slots, id)
	}
}

// SetServoBatch applies SetServo to each item in order and stops at the
// first failure, returning the results so far.
func (p *Policy) SetServoBatch(ctx context.Context, items []ServoTarget) ([]ServoResult, error) {
	if len(items) == 0 || len(items) > MaxBatchItems {
		return nil, invalid("items", "need 1..%d items, got %d", MaxBatchItems, len(items))
	}
	out := make([]ServoResult, 0, len(items))
	for _, it := range items {
		res, err := p.SetServo(ctx, it.ID, it.Deg)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// CenterTargets returns the safe pose, or center, for every servo.
func (p *Policy) CenterTargets() []ServoTarget {
	items := make([]ServoTarget, 0, p.cfg.ServoCount)
	for id := 1; id <= p.cfg.ServoCount; id++ {
		items = append(items, ServoTarget{ID: id, Deg: p.cfg.SafeDeg(id)})
	}
	return items
}

// CenterServos drives every servo to its safe pose through the normal set
// path.
func (p *Policy) CenterServos(ctx context.Context) ([]ServoResult, error) {
	return p.SetServoBatch(ctx, p.CenterTargets())
}

// SafePose sends every servo straight to its safe pose as one quiet batch,
// bypassing slew and rate limits. It is refused while E-STOP is active.
func (p *Policy) SafePose(ctx context.Context) ([]string, error) {
	if p.estopped() {
		return nil, ErrEstopActive
	}
	targets := p.CenterTargets()
	cmds := make([]serialmux.Command, 0, len(targets))
	for _, t := range targets {
		cmds = append(cmds, serialmux.Command{
			Line:    fmt.Sprintf("%s %d %d", VerbServo, t.ID, t.Deg),
			MaxWait: p.cfg.ServoTimeout,
			Quiet:   true,
		})
	}
	replies, err := p.ch.SendBatch(ctx, cmds...)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		p.record(t.ID, t.Deg)
	}
	return replies, nil
}

// ServoSnapshot returns the last applied degrees per servo id.
func (p *Policy) ServoSnapshot() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.servos))
	for id, st := range p.servos {
		out[id] = st.deg
	}
	return out
}

// NormalizePowerMode upper-cases mode and reports whether it is known.
func NormalizePowerMode(mode string) (string, bool) {
	m := strings.ToUpper(strings.TrimSpace(mode))
	return m, m == PowerArduino || m == PowerExternal
}

// SetServoPower switches the servo supply mode on the controller.
func (p *Policy) SetServoPower(ctx context.Context, mode string) (ServoPowerResult, error) {
	m, ok := NormalizePowerMode(mode)
	if !ok {
		return ServoPowerResult{}, invalid("mode", "%q is not ARDUINO or EXTERNAL", mode)
	}
	if p.estopped() {
		return ServoPowerResult{}, ErrEstopActive
	}
	if err := p.require(VerbServo); err != nil {
		return ServoPowerResult{}, err
	}
	line := "ServoPwr " + m
	reply, err := p.ch.Send(ctx, serialmux.Command{
		Line:    line,
		Expect:  []string{"OK SERVO_PWR"},
		MaxWait: p.cfg.PowerTimeout,
	})
	if err != nil {
		return ServoPowerResult{}, err
	}
	p.MarkServoPower(m)
	return ServoPowerResult{Mode: m, Sent: line, Reply: reply}, nil
}

// MarkServoPower records a power mode applied outside SetServoPower.
func (p *Policy) MarkServoPower(mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.power = mode
}

// ServoPower returns the active power mode, or "" if none was applied.
func (p *Policy) ServoPower() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}
