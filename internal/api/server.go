// Package api serves the bridge's REST surface and mounts the joystick
// WebSocket.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/db"
	"github.com/banshee-data/motorbridge/internal/device"
	"github.com/banshee-data/motorbridge/internal/httputil"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/safety"
	"github.com/banshee-data/motorbridge/internal/timeutil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodyBytes = 64 << 10

// Options wires the server to the rest of the bridge. Device, Session,
// Stats and Journal may be nil.
type Options struct {
	Policy       *actuator.Policy
	Supervisor   *safety.Supervisor
	Device       *device.Device
	Session      http.Handler
	Stats        *monitoring.LinkStats
	Journal      *db.DB
	ProbeTimeout time.Duration
	Clock        timeutil.Clock

	// TelemetryInterval paces /ws/telemetry. OriginPatterns lists extra
	// hosts allowed to open it from a browser.
	TelemetryInterval time.Duration
	OriginPatterns    []string
}

type Server struct {
	policy       *actuator.Policy
	sup          *safety.Supervisor
	state        *safety.State
	dev          *device.Device
	ws           http.Handler
	stats        *monitoring.LinkStats
	journal      *db.DB
	probeTimeout time.Duration
	clock        timeutil.Clock

	telemetryInterval time.Duration
	originPatterns    []string
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = defaultTelemetryInterval
	}
	return &Server{
		policy:       opts.Policy,
		sup:          opts.Supervisor,
		state:        opts.Supervisor.State(),
		dev:          opts.Device,
		ws:           opts.Session,
		stats:        opts.Stats,
		journal:      opts.Journal,
		probeTimeout: opts.ProbeTimeout,
		clock:        opts.Clock,

		telemetryInterval: opts.TelemetryInterval,
		originPatterns:    opts.OriginPatterns,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	mux.HandleFunc("/motor", s.guard(s.handleMotor))
	mux.HandleFunc("/joystick", s.guard(s.handleJoystick))
	mux.HandleFunc("/actions/list", s.handleActionsList)
	mux.HandleFunc("/actions/run", s.guard(s.handleActionsRun))
	mux.HandleFunc("/actions/stop", s.handleActionStop)
	for path, m := range shortcutManeuvers {
		mux.HandleFunc(path, s.guard(s.handleManeuverShortcut(m)))
	}

	mux.HandleFunc("/servo/capabilities", s.handleServoCapabilities)
	mux.HandleFunc("/servo/state", s.handleServoState)
	mux.HandleFunc("/servo/batch", s.guard(s.handleServoBatch))
	mux.HandleFunc("/servo/center", s.guard(s.handleServoCenter))
	mux.HandleFunc("/servo/all", s.guard(s.handleServoAll))
	mux.HandleFunc("/servo/power", s.handleServoPower)
	mux.HandleFunc("/servo/", s.guard(s.handleServoByID))

	mux.HandleFunc("/safety/state", s.handleSafetyState)
	mux.HandleFunc("/estop", s.handleEstop)
	mux.HandleFunc("/estop/reset", s.handleEstopReset)

	mux.HandleFunc("/device", s.handleDevice)
	mux.HandleFunc("/device/refresh", s.handleDeviceRefresh)
	mux.HandleFunc("/telemetry/arduino", s.handleTelemetry)
	mux.HandleFunc("/ws/telemetry", s.handleTelemetryStream)

	mux.HandleFunc("/api/link/stats", s.handleLinkStats)
	mux.HandleFunc("/api/journal", s.handleJournal)
	mux.HandleFunc("/api/journal/safety", s.handleJournalSafety)

	if s.ws != nil {
		mux.Handle("/ws/joystick", s.ws)
	}
	return mux
}

// guard refuses actuation requests with 423 while the E-STOP latch is set,
// before any body is read or command dispatched.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && s.state.EstopActive() {
			httputil.Locked(w)
			return
		}
		next(w, r)
	}
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			httputil.BadRequest(w, "request body is required")
			return false
		}
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
