package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) RecordSafetyEvent(kind, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, kind)
}

func (e *eventLog) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type rig struct {
	state  *State
	policy *actuator.Policy
	sup    *Supervisor
	dev    *serialmux.FakeDevice
	clock  *timeutil.MockClock
	events *eventLog
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	mux, dev := serialmux.NewFakeSerialMux()
	t.Cleanup(func() { mux.Close() })
	clock := timeutil.NewMockClock(epoch)

	state := NewState(cfg.EstopEnabled, clock)
	mux.AddObserver(state)
	acfg := actuator.DefaultConfig()
	acfg.ServoCount = 2
	policy := actuator.NewPolicy(mux, state, acfg, clock)
	sup := NewSupervisor(state, policy, mux, cfg, clock)
	events := &eventLog{}
	sup.SetRecorder(events)
	return &rig{state: state, policy: policy, sup: sup, dev: dev, clock: clock, events: events}
}

func TestState_ObserveExchange(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	s := NewState(true, clock)

	s.ObserveExchange(serialmux.Exchange{Line: "PING"})
	s.ObserveExchange(serialmux.Exchange{Line: "SetAEngine 10", Err: errors.New("boom")})
	s.ObserveExchange(serialmux.Exchange{Line: "SetAEngine 0", Quiet: true})
	assert.True(t, s.LastMotorActivity().IsZero())
	assert.True(t, s.LastServoActivity().IsZero())

	snap := s.Snapshot()
	assert.Nil(t, snap.LastMotorActivity)
	assert.True(t, snap.EstopEnabled)

	clock.Advance(time.Second)
	s.ObserveExchange(serialmux.Exchange{Line: "setbengine -5"})
	assert.Equal(t, epoch.Add(time.Second), s.LastMotorActivity())

	clock.Advance(time.Second)
	s.ObserveExchange(serialmux.Exchange{Line: "SetServo 1 90"})
	assert.Equal(t, epoch.Add(2*time.Second), s.LastServoActivity())
	assert.Equal(t, epoch.Add(time.Second), s.LastMotorActivity())

	snap = s.Snapshot()
	require.NotNil(t, snap.LastServoActivity)
	assert.Equal(t, epoch.Add(2*time.Second), *snap.LastServoActivity)
}

func TestEstop_TriggerAndReset(t *testing.T) {
	r := newRig(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, r.sup.TriggerEstop(ctx, "test"))
	assert.True(t, r.state.EstopActive())
	assert.Equal(t, []string{"SetAEngine 0", "SetBEngine 0", "EStop"}, r.dev.Written())

	_, err := r.policy.Drive(ctx, 100, 100)
	assert.ErrorIs(t, err, actuator.ErrEstopActive)
	_, err = r.policy.SetServo(ctx, 1, 45)
	assert.ErrorIs(t, err, actuator.ErrEstopActive)
	assert.Len(t, r.dev.Written(), 3, "no actuation reaches the wire while latched")

	require.NoError(t, r.sup.ResetEstop(ctx, "test"))
	assert.False(t, r.state.EstopActive())
	_, err = r.policy.Drive(ctx, 100, 100)
	require.NoError(t, err)

	assert.Equal(t, []string{"SetAEngine 0", "SetBEngine 0", "EStop", "EStop RESET", "SetAEngine 100", "SetBEngine 100"}, r.dev.Written())
	assert.Equal(t, []string{EventEstop, EventEstopReset}, r.events.kinds())
}

func TestEstop_FirmwareWithoutEstopVerb(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.dev.Respond = func(line string) []string {
		if serialmux.Verb(line) == "ESTOP" {
			return []string{"ERR UnknownCommand"}
		}
		return serialmux.FirmwareReply(line)
	}

	require.NoError(t, r.sup.TriggerEstop(context.Background(), "test"))
	assert.True(t, r.state.EstopActive())
}

func TestEstop_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EstopEnabled = false
	r := newRig(t, cfg)

	assert.ErrorIs(t, r.sup.TriggerEstop(context.Background(), "test"), ErrEstopDisabled)
	assert.ErrorIs(t, r.sup.ResetEstop(context.Background(), "test"), ErrEstopDisabled)
	assert.False(t, r.state.EstopActive())
	assert.Empty(t, r.dev.Written())
}

func TestWatchdog_OneStopPerIdleEpisode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotorIdle = time.Second
	r := newRig(t, cfg)
	ctx := context.Background()

	_, err := r.policy.Drive(ctx, 80, 80)
	require.NoError(t, err)

	r.clock.Advance(500 * time.Millisecond)
	r.sup.tick(ctx)
	assert.Len(t, r.dev.Written(), 2, "not idle yet")

	r.clock.Advance(600 * time.Millisecond)
	for i := 0; i < 5; i++ {
		r.sup.tick(ctx)
		r.clock.Advance(cfg.Tick)
	}
	assert.Equal(t, []string{"SetAEngine 80", "SetBEngine 80", "SetAEngine 0", "SetBEngine 0"}, r.dev.Written())
	assert.Equal(t, epoch, r.state.LastMotorActivity(), "watchdog stop is not activity")

	// activity ends the episode
	_, err = r.policy.Drive(ctx, 40, 40)
	require.NoError(t, err)
	r.sup.tick(ctx)
	assert.Len(t, r.dev.Written(), 6)

	r.clock.Advance(time.Second)
	r.sup.tick(ctx)
	r.sup.tick(ctx)
	assert.Len(t, r.dev.Written(), 8)
	assert.Equal(t, []string{EventWatchdogStop, EventWatchdogStop}, r.events.kinds())
}

func TestWatchdog_NoActivityNoStop(t *testing.T) {
	r := newRig(t, DefaultConfig())

	r.clock.Advance(time.Hour)
	r.sup.tick(context.Background())
	assert.Empty(t, r.dev.Written())
}

func TestWatchdog_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchdogEnabled = false
	r := newRig(t, cfg)
	ctx := context.Background()

	_, err := r.policy.Drive(ctx, 80, 80)
	require.NoError(t, err)
	r.clock.Advance(time.Hour)
	r.sup.tick(ctx)
	assert.Len(t, r.dev.Written(), 2)
}

func TestWatchdog_ServoSafePose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServoSafeEnabled = true
	cfg.ServoIdle = 5 * time.Second
	r := newRig(t, cfg)
	ctx := context.Background()

	_, err := r.policy.SetServo(ctx, 1, 10)
	require.NoError(t, err)

	r.clock.Advance(5 * time.Second)
	r.sup.tick(ctx)
	r.sup.tick(ctx)
	assert.Equal(t, []string{"SetServo 1 10", "SetServo 1 90", "SetServo 2 90"}, r.dev.Written())
	assert.Equal(t, epoch, r.state.LastServoActivity())
	assert.Equal(t, []string{EventWatchdogSafePos}, r.events.kinds())
}

func TestWatchdog_ServoSafePoseSkippedWhileEstopped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServoSafeEnabled = true
	cfg.ServoIdle = 5 * time.Second
	cfg.MotorIdle = 0
	r := newRig(t, cfg)
	ctx := context.Background()

	_, err := r.policy.SetServo(ctx, 1, 10)
	require.NoError(t, err)
	r.state.setEstop(true)

	r.clock.Advance(10 * time.Second)
	r.sup.tick(ctx)
	assert.Equal(t, []string{"SetServo 1 10"}, r.dev.Written())
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)

	_, err := r.policy.Drive(context.Background(), 80, 80)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		r.clock.Advance(cfg.Tick)
		return len(r.dev.Written()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}

type panickyActuator struct{}

func (panickyActuator) StopMotors(context.Context, bool) (actuator.DriveResult, error) {
	panic("link exploded")
}

func (panickyActuator) SafePose(context.Context) ([]string, error) { return nil, nil }

func TestWatchdog_RecoversFromPanic(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	defer monitoring.SetLogger(nil)
	clock := timeutil.NewMockClock(epoch)
	state := NewState(true, clock)
	state.ObserveExchange(serialmux.Exchange{Line: "SetAEngine 1"})
	sup := NewSupervisor(state, panickyActuator{}, nil, DefaultConfig(), clock)

	clock.Advance(time.Minute)
	assert.NotPanics(t, func() { sup.safeTick(context.Background()) })
}

func TestSupervisor_WithoutSerial(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	state := NewState(true, clock)
	sup := NewSupervisor(state, nil, nil, DefaultConfig(), clock)

	state.ObserveExchange(serialmux.Exchange{Line: "SetAEngine 1"})
	clock.Advance(time.Minute)
	sup.tick(context.Background())

	require.NoError(t, sup.TriggerEstop(context.Background(), "no serial"))
	assert.True(t, state.EstopActive())
}

func TestWatchdog_DisabledLinkIsTolerated(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	defer monitoring.SetLogger(nil)
	clock := timeutil.NewMockClock(epoch)
	state := NewState(true, clock)
	disabled := serialmux.NewDisabledSerialMux()
	policy := actuator.NewPolicy(disabled, state, actuator.DefaultConfig(), clock)
	sup := NewSupervisor(state, policy, disabled, DefaultConfig(), clock)

	state.ObserveExchange(serialmux.Exchange{Line: "SetAEngine 1"})
	clock.Advance(time.Minute)
	assert.NotPanics(t, func() { sup.safeTick(context.Background()) })
	assert.True(t, sup.motorApplied)
}
