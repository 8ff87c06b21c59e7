package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

type latch struct {
	mu sync.Mutex
	on bool
}

func (l *latch) EstopActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *latch) set(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = v
}

type frame map[string]any

func (f frame) typ() string {
	s, _ := f["type"].(string)
	return s
}

type rig struct {
	h      *Handler
	url    string
	policy *actuator.Policy
	dev    *serialmux.FakeDevice
	lock   *latch
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	mux, dev := serialmux.NewFakeSerialMux()
	t.Cleanup(func() { mux.Close() })
	lock := &latch{}
	policy := actuator.NewPolicy(mux, lock, actuator.DefaultConfig(), nil)
	r := &rig{policy: policy, dev: dev, lock: lock}
	r.h, r.url = serve(t, policy, lock, cfg)
	return r
}

func serve(t *testing.T, drv Driver, lock Interlock, cfg Config) (*Handler, string) {
	t.Helper()
	h := NewHandler(drv, lock, cfg)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/joystick"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestSession_HelloAndJoystickAck(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)

	hello := read(t, conn)
	assert.Equal(t, "hello", hello.typ())
	assert.NotEmpty(t, hello["rid"])
	assert.Equal(t, 5.0, hello["ping_interval"])
	assert.Equal(t, 15.0, hello["ping_timeout"])
	assert.Equal(t, 30.0, hello["max_rate_hz"])
	assert.Equal(t, false, hello["estop"])

	send(t, conn, map[string]any{"x": 0, "y": 100})
	ack := read(t, conn)
	assert.Equal(t, "joy_ack", ack.typ())
	assert.Equal(t, 1.0, ack["seq"])
	assert.Equal(t, 100.0, ack["motor_a"])
	assert.Equal(t, 100.0, ack["motor_b"])
	if diff := cmp.Diff([]string{"SetAEngine 100", "SetBEngine 100"}, r.dev.Written()); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_RequestIDFromHeader(t *testing.T) {
	r := newRig(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"X-Request-Id": {"abc-123"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	assert.Equal(t, "abc-123", read(t, conn)["rid"])
}

func TestSession_EstopBlocksDispatch(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.lock.set(true)
	conn := dial(t, r.url)

	hello := read(t, conn)
	assert.Equal(t, true, hello["estop"])
	first := read(t, conn)
	assert.Equal(t, "estop", first["detail"])
	assert.Equal(t, 423.0, first["status"])

	send(t, conn, map[string]any{"x": 0, "y": 200})
	f := read(t, conn)
	assert.Equal(t, "error", f.typ())
	assert.Equal(t, "estop", f["detail"])
	assert.Equal(t, 423.0, f["status"])
	assert.Equal(t, 1.0, f["seq"])
	assert.Equal(t, []string{"SetAEngine 0", "SetBEngine 0"}, r.dev.Written())
}

func TestSession_EstopStopsOncePerEpisode(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)
	read(t, conn)

	send(t, conn, map[string]any{"x": 0, "y": 200})
	require.Equal(t, "joy_ack", read(t, conn).typ())

	r.lock.set(true)
	for i := 0; i < 2; i++ {
		send(t, conn, map[string]any{"x": 0, "y": 200})
		assert.Equal(t, "estop", read(t, conn)["detail"])
	}
	assert.Equal(t, []string{
		"SetAEngine 200", "SetBEngine 200",
		"SetAEngine 0", "SetBEngine 0",
	}, r.dev.Written())

	r.lock.set(false)
	send(t, conn, map[string]any{"x": 0, "y": 50})
	require.Equal(t, "joy_ack", read(t, conn).typ())

	r.lock.set(true)
	send(t, conn, map[string]any{"x": 0, "y": 50})
	assert.Equal(t, "estop", read(t, conn)["detail"])
	assert.Equal(t, []string{
		"SetAEngine 200", "SetBEngine 200",
		"SetAEngine 0", "SetBEngine 0",
		"SetAEngine 50", "SetBEngine 50",
		"SetAEngine 0", "SetBEngine 0",
	}, r.dev.Written())
}

func TestHandler_ShutdownEndsLiveSessions(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)
	read(t, conn)

	send(t, conn, map[string]any{"x": 0, "y": 100})
	require.Equal(t, "joy_ack", read(t, conn).typ())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.h.Shutdown(ctx))

	// every session has stopped the motors by the time Shutdown returns
	assert.Equal(t, []string{"SetAEngine 100", "SetBEngine 100", "SetAEngine 0", "SetBEngine 0"}, r.dev.Written())

	var f frame
	assert.Error(t, wsjson.Read(ctx, conn, &f))

	_, _, err := websocket.Dial(ctx, r.url, nil)
	assert.Error(t, err)
}

func TestSession_PingPong(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)
	read(t, conn)

	send(t, conn, map[string]any{"type": "ping"})
	f := read(t, conn)
	assert.Equal(t, "pong", f.typ())
	assert.Greater(t, f["t"], 0.0)
}

func TestSession_BadPayloadKeepsSessionOpen(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	f := read(t, conn)
	assert.Equal(t, "error", f.typ())
	assert.True(t, strings.HasPrefix(f["detail"].(string), "bad payload: "))

	send(t, conn, map[string]any{"type": "joy", "x": 10})
	f = read(t, conn)
	assert.Equal(t, "bad payload: x and y are required", f["detail"])

	send(t, conn, map[string]any{"x": 0, "y": 999})
	f = read(t, conn)
	assert.Contains(t, f["detail"], "bad payload: invalid y")

	send(t, conn, map[string]any{"x": 0, "y": 50})
	assert.Equal(t, "joy_ack", read(t, conn).typ())
}

func TestSession_DispatchFailureIsReported(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.dev.Respond = func(line string) []string {
		if serialmux.Verb(line) == "SETAENGINE" {
			return []string{"ERR Busy"}
		}
		return serialmux.FirmwareReply(line)
	}
	conn := dial(t, r.url)
	read(t, conn)

	send(t, conn, map[string]any{"x": 0, "y": 100})
	f := read(t, conn)
	assert.Equal(t, "error", f.typ())
	assert.Equal(t, 400.0, f["status"])
	assert.Equal(t, 1.0, f["seq"])

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn).typ())
}

func TestSession_FirmwareGate(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.policy.SetCapabilities([]string{"PING", "SetServo"})
	conn := dial(t, r.url)

	f := read(t, conn)
	assert.Equal(t, "firmware_unsupported", f["detail"])
	assert.Equal(t, 501.0, f["status"])
	assert.Equal(t, []any{"SetAEngine", "SetBEngine"}, f["missing"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Empty(t, r.dev.Written())
}

func TestSession_StopOnClose(t *testing.T) {
	r := newRig(t, DefaultConfig())
	conn := dial(t, r.url)
	read(t, conn)

	send(t, conn, map[string]any{"x": 0, "y": 100})
	read(t, conn)
	conn.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		return len(r.dev.Written()) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"SetAEngine 100", "SetBEngine 100", "SetAEngine 0", "SetBEngine 0"}, r.dev.Written())
}

func TestSession_NoStopWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopOnClose = false
	r := newRig(t, cfg)
	conn := dial(t, r.url)
	read(t, conn)
	conn.Close(websocket.StatusNormalClosure, "bye")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, r.dev.Written())
}

func TestSession_LivenessTimeout(t *testing.T) {
	r := newRig(t, DefaultConfig())
	clock := timeutil.NewMockClock(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	r.h.clock = clock
	conn := dial(t, r.url)
	read(t, conn)

	closed := make(chan websocket.StatusCode, 1)
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}()

	var status websocket.StatusCode
	require.Eventually(t, func() bool {
		clock.Advance(20 * time.Second)
		select {
		case status = <-closed:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, websocket.StatusGoingAway, status)

	require.Eventually(t, func() bool {
		return len(r.dev.Written()) == 2
	}, 5*time.Second, 10*time.Millisecond, "idle close still stops the motors")
}

// gatedDriver blocks the first Joystick call until release is closed.
type gatedDriver struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen []actuator.JoystickInput
}

func (d *gatedDriver) Joystick(ctx context.Context, in actuator.JoystickInput) (actuator.DriveResult, error) {
	d.mu.Lock()
	d.seen = append(d.seen, in)
	first := len(d.seen) == 1
	d.mu.Unlock()
	if first {
		close(d.started)
		select {
		case <-d.release:
		case <-ctx.Done():
			return actuator.DriveResult{}, ctx.Err()
		}
	}
	a, b := actuator.Mix(in)
	return actuator.DriveResult{MotorA: a, MotorB: b}, nil
}

func (d *gatedDriver) StopMotors(context.Context, bool) (actuator.DriveResult, error) {
	return actuator.DriveResult{}, nil
}

func (d *gatedDriver) Missing(...string) []string { return nil }

func (d *gatedDriver) inputs() []actuator.JoystickInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]actuator.JoystickInput(nil), d.seen...)
}

func TestSession_LatestSampleWins(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	defer monitoring.SetLogger(nil)
	drv := &gatedDriver{started: make(chan struct{}), release: make(chan struct{})}
	_, url := serve(t, drv, nil, DefaultConfig())
	conn := dial(t, url)
	read(t, conn)

	send(t, conn, map[string]any{"x": 0, "y": 30})
	select {
	case <-drv.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first sample never dispatched")
	}

	for _, y := range []int{40, 50, 60} {
		send(t, conn, map[string]any{"x": 0, "y": y})
	}
	// the receiver handles frames in order, so the pong proves all three
	// samples were stored
	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn).typ())
	close(drv.release)

	first := read(t, conn)
	assert.Equal(t, 1.0, first["seq"])
	second := read(t, conn)
	assert.Equal(t, 4.0, second["seq"])
	assert.Equal(t, 60.0, second["motor_a"])

	got := drv.inputs()
	require.Len(t, got, 2)
	assert.Equal(t, 30, got[0].Y)
	assert.Equal(t, 60, got[1].Y)
}

func TestInbound_SampleDefaults(t *testing.T) {
	x, y := 10, -20
	in, err := inbound{X: &x, Y: &y}.sample()
	require.NoError(t, err)
	assert.Equal(t, actuator.JoystickInput{X: 10, Y: -20, Deadzone: 20, Scale: 1}, in)

	dz, scale := 0, 0.5
	in, err = inbound{X: &x, Y: &y, Deadzone: &dz, Scale: &scale}.sample()
	require.NoError(t, err)
	assert.Equal(t, 0, in.Deadzone)
	assert.Equal(t, 0.5, in.Scale)
}
