// Package session serves the /ws/joystick control stream. Each connection
// runs a receiver, a dispatcher and a liveness loop that share only the
// newest joystick sample, so a slow device never builds a backlog.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/httputil"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

const (
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

var errIdle = errors.New("client idle past ping timeout")

// Config holds the per-connection timing.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// MaxRateHz caps how often samples are forwarded to the device.
	MaxRateHz   float64
	StopOnClose bool
	// OriginPatterns lists extra hosts allowed to open the socket
	// cross-origin.
	OriginPatterns []string
}

// DefaultConfig returns the session timing used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PingInterval: 5 * time.Second,
		PingTimeout:  15 * time.Second,
		MaxRateHz:    30,
		StopOnClose:  true,
	}
}

// Driver is the actuation the session needs.
type Driver interface {
	Joystick(ctx context.Context, in actuator.JoystickInput) (actuator.DriveResult, error)
	StopMotors(ctx context.Context, quiet bool) (actuator.DriveResult, error)
	Missing(required ...string) []string
}

// Interlock reports whether the E-STOP latch is set.
type Interlock interface {
	EstopActive() bool
}

// Handler upgrades requests to joystick sessions.
type Handler struct {
	drv   Driver
	lock  Interlock
	cfg   Config
	clock timeutil.Clock

	// ctx is cancelled by Shutdown and ends every live session.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(drv Driver, lock Interlock, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.MaxRateHz <= 0 {
		cfg.MaxRateHz = def.MaxRateHz
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{drv: drv, lock: lock, cfg: cfg, clock: timeutil.RealClock{}, ctx: ctx, cancel: cancel}
}

// Shutdown refuses new sessions, ends the live ones and waits until each
// has run its stop-on-close, or until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

type helloFrame struct {
	Type         string  `json:"type"`
	RID          string  `json:"rid"`
	PingInterval float64 `json:"ping_interval"`
	PingTimeout  float64 `json:"ping_timeout"`
	MaxRateHz    float64 `json:"max_rate_hz"`
	Estop        bool    `json:"estop"`
}

type errorFrame struct {
	Type    string   `json:"type"`
	Detail  string   `json:"detail"`
	Status  int      `json:"status,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Seq     uint64   `json:"seq,omitempty"`
	T       float64  `json:"t,omitempty"`
}

type ackFrame struct {
	Type    string   `json:"type"`
	Seq     uint64   `json:"seq"`
	MotorA  int      `json:"motor_a"`
	MotorB  int      `json:"motor_b"`
	Sent    []string `json:"sent"`
	Replies []string `json:"replies"`
	T       float64  `json:"t"`
}

type beatFrame struct {
	Type string  `json:"type"`
	T    float64 `json:"t"`
}

// inbound is either a heartbeat or a joystick sample.
type inbound struct {
	Type     string   `json:"type"`
	X        *int     `json:"x"`
	Y        *int     `json:"y"`
	Deadzone *int     `json:"deadzone"`
	Scale    *float64 `json:"scale"`
}

func (in inbound) sample() (actuator.JoystickInput, error) {
	if in.X == nil || in.Y == nil {
		return actuator.JoystickInput{}, errors.New("x and y are required")
	}
	s := actuator.DefaultJoystickInput()
	s.X, s.Y = *in.X, *in.Y
	if in.Deadzone != nil {
		s.Deadzone = *in.Deadzone
	}
	if in.Scale != nil {
		s.Scale = *in.Scale
	}
	return s, s.Validate()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		httputil.ServiceUnavailable(w, "server shutting down")
		return
	}
	defer h.wg.Done()

	rid := r.Header.Get("X-Request-Id")
	if rid == "" {
		rid = uuid.NewString()
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		monitoring.Logf("ws accept failed: %v | rid=%s", err, rid)
		return
	}
	defer conn.CloseNow()

	// hijacked connections outlive http.Server.Shutdown, so the handler
	// context ends them as well
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(h.ctx, cancel)()

	missing := h.drv.Missing(actuator.VerbMotorA, actuator.VerbMotorB)
	if len(missing) > 0 {
		s := &session{h: h, conn: conn, rid: rid}
		s.write(ctx, errorFrame{Type: "error", Detail: "firmware_unsupported", Missing: missing, Status: http.StatusNotImplemented})
		conn.Close(websocket.StatusPolicyViolation, "firmware_unsupported")
		return
	}

	monitoring.Logf("ws connect %s from %s | rid=%s", r.URL.Path, r.RemoteAddr, rid)
	s := newSession(h, conn, rid)
	err = s.run(ctx)
	monitoring.Logf("ws closed: %v | rid=%s", err, rid)
}

type session struct {
	h    *Handler
	conn *websocket.Conn
	rid  string

	mu         sync.Mutex
	latest     *actuator.JoystickInput
	seq        uint64
	sentSeq    uint64
	lastClient time.Time

	wake chan struct{}
}

func newSession(h *Handler, conn *websocket.Conn, rid string) *session {
	return &session{
		h:          h,
		conn:       conn,
		rid:        rid,
		lastClient: h.clock.Now(),
		wake:       make(chan struct{}, 1),
	}
}

func (s *session) now() float64 {
	return float64(s.h.clock.Now().UnixNano()) / 1e9
}

func (s *session) write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, v)
}

func (s *session) estop() bool {
	return s.h.lock != nil && s.h.lock.EstopActive()
}

// run greets the client, runs the three loops until one fails and then
// stops the motors.
func (s *session) run(parent context.Context) error {
	cfg := s.h.cfg
	hello := helloFrame{
		Type:         "hello",
		RID:          s.rid,
		PingInterval: cfg.PingInterval.Seconds(),
		PingTimeout:  cfg.PingTimeout.Seconds(),
		MaxRateHz:    cfg.MaxRateHz,
		Estop:        s.estop(),
	}
	if err := s.write(parent, hello); err == nil && hello.Estop {
		s.write(parent, errorFrame{Type: "error", Detail: "estop", Status: http.StatusLocked, T: s.now()})
	}

	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return s.receive(ctx) })
	g.Go(func() error { return s.dispatch(ctx) })
	g.Go(func() error { return s.liveness(ctx) })
	err := g.Wait()

	if cfg.StopOnClose {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), stopTimeout)
		if _, serr := s.h.drv.StopMotors(stopCtx, false); serr != nil {
			monitoring.Logf("ws safe stop failed: %v | rid=%s", serr, s.rid)
		} else {
			monitoring.Logf("ws safe stop sent | rid=%s", s.rid)
		}
		cancel()
	}

	if errors.Is(err, errIdle) {
		return err
	}
	if s.h.ctx.Err() != nil {
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return nil
	}
	s.conn.Close(websocket.StatusInternalError, "session ended")
	return err
}

// receive answers heartbeats inline and stores samples as the newest one.
func (s *session) receive(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastClient = s.h.clock.Now()
		s.mu.Unlock()

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := s.write(ctx, errorFrame{Type: "error", Detail: fmt.Sprintf("bad payload: %v", err)}); err != nil {
				return err
			}
			continue
		}
		switch msg.Type {
		case "ping":
			if err := s.write(ctx, beatFrame{Type: "pong", T: s.now()}); err != nil {
				return err
			}
			continue
		case "pong":
			continue
		}

		in, err := msg.sample()
		if err != nil {
			if err := s.write(ctx, errorFrame{Type: "error", Detail: fmt.Sprintf("bad payload: %v", err)}); err != nil {
				return err
			}
			continue
		}

		s.mu.Lock()
		s.latest = &in
		s.seq++
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// pending returns the newest unsent sample.
func (s *session) pending() (actuator.JoystickInput, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || s.sentSeq == s.seq {
		return actuator.JoystickInput{}, 0, false
	}
	return *s.latest, s.seq, true
}

func (s *session) markSent(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentSeq = seq
}

// dispatch forwards the newest sample at most MaxRateHz times per second.
// Samples superseded while waiting are never sent.
func (s *session) dispatch(ctx context.Context) error {
	minInterval := time.Duration(float64(time.Second) / math.Max(1, s.h.cfg.MaxRateHz))
	var lastSend time.Time
	stopped := false // zero command already sent for this latched episode
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}

		for {
			if _, _, ok := s.pending(); !ok {
				break
			}
			if !lastSend.IsZero() {
				if dt := s.h.clock.Since(lastSend); dt < minInterval {
					if err := timeutil.Sleep(ctx, s.h.clock, minInterval-dt); err != nil {
						return err
					}
				}
			}
			in, seq, ok := s.pending()
			if !ok {
				break
			}

			if s.estop() {
				if !stopped {
					stopped = true
					if _, err := s.h.drv.StopMotors(ctx, false); err != nil {
						monitoring.Logf("ws estop stop failed: %v | rid=%s", err, s.rid)
					} else {
						monitoring.Logf("ws estop stop sent | rid=%s", s.rid)
					}
				}
				s.markSent(seq)
				lastSend = s.h.clock.Now()
				if err := s.write(ctx, errorFrame{Type: "error", Detail: "estop", Status: http.StatusLocked, Seq: seq, T: s.now()}); err != nil {
					return err
				}
				continue
			}

			stopped = false
			res, err := s.h.drv.Joystick(ctx, in)
			s.markSent(seq)
			lastSend = s.h.clock.Now()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if werr := s.write(ctx, s.failure(err, seq)); werr != nil {
					return werr
				}
				continue
			}
			ack := ackFrame{
				Type:    "joy_ack",
				Seq:     seq,
				MotorA:  res.MotorA,
				MotorB:  res.MotorB,
				Sent:    res.Sent,
				Replies: res.Replies,
				T:       s.now(),
			}
			if err := s.write(ctx, ack); err != nil {
				return err
			}
		}
	}
}

func (s *session) failure(err error, seq uint64) errorFrame {
	detail := err.Error()
	if errors.Is(err, actuator.ErrEstopActive) {
		detail = "estop"
	}
	monitoring.Logf("ws dispatch failed: %v | rid=%s", err, s.rid)
	return errorFrame{Type: "error", Detail: detail, Status: httputil.StatusForError(err), Seq: seq, T: s.now()}
}

// liveness pings the client and closes the socket when it has been silent
// for longer than PingTimeout.
func (s *session) liveness(ctx context.Context) error {
	ticker := s.h.clock.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
		s.mu.Lock()
		idle := s.h.clock.Since(s.lastClient)
		s.mu.Unlock()
		if idle > s.h.cfg.PingTimeout {
			monitoring.Logf("ws timeout idle=%s | rid=%s", idle.Round(100*time.Millisecond), s.rid)
			s.conn.Close(websocket.StatusGoingAway, "ping timeout")
			return errIdle
		}
		if err := s.write(ctx, beatFrame{Type: "ping", T: s.now()}); err != nil {
			return err
		}
	}
}
