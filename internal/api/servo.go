package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/httputil"
)

// servoAliases keeps the old single-letter servo routes working.
var servoAliases = map[string]int{"a": 1, "b": 2}

type degRequest struct {
	Deg *int `json:"deg"`
}

type batchRequest struct {
	Items []actuator.ServoTarget `json:"items"`
}

type batchResponse struct {
	Items []actuator.ServoResult `json:"items"`
}

func (s *Server) handleServoCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cfg := s.policy.Config()
	limits := make(map[string][2]int, len(cfg.Limits))
	for id := range cfg.Limits {
		l := cfg.LimitFor(id)
		limits[strconv.Itoa(id)] = [2]int{l.Min, l.Max}
	}
	safePose := make(map[string]int, len(cfg.SafePose))
	for id, deg := range cfg.SafePose {
		safePose[strconv.Itoa(id)] = deg
	}
	httputil.WriteJSONOK(w, map[string]any{
		"servo_count":       cfg.ServoCount,
		"default_range":     [2]int{cfg.DefaultMin, cfg.DefaultMax},
		"limits":            limits,
		"safe_pose":         safePose,
		"center_deg":        cfg.Center,
		"slew_rate_dps":     cfg.SlewRate,
		"max_cmd_hz":        cfg.MaxCmdHz,
		"rate_limit_mode":   cfg.RateLimitMode,
		"firmware_commands": s.policy.Capabilities(),
	})
}

func (s *Server) handleServoState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	last := make(map[string]int)
	for id, deg := range s.policy.ServoSnapshot() {
		last[strconv.Itoa(id)] = deg
	}
	httputil.WriteJSONOK(w, map[string]any{
		"servo_count": s.policy.Config().ServoCount,
		"last_deg":    last,
	})
}

// handleServoByID handles POST /servo/{id}.
func (s *Server) handleServoByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/servo/"), "/")
	if raw == "" || strings.Contains(raw, "/") {
		httputil.NotFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := servoAliases[strings.ToLower(raw)]
	if !ok {
		var err error
		if id, err = strconv.Atoi(raw); err != nil {
			httputil.BadRequest(w, "servo id must be an integer")
			return
		}
	}
	var req degRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Deg == nil {
		httputil.BadRequest(w, "deg is required")
		return
	}
	res, err := s.policy.SetServo(r.Context(), id, *req.Deg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) handleServoBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.policy.SetServoBatch(r.Context(), req.Items)
	writeBatch(w, res, err)
}

func (s *Server) handleServoCenter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	res, err := s.policy.CenterServos(r.Context())
	writeBatch(w, res, err)
}

// handleServoAll handles POST /servo/all, one angle for every servo.
func (s *Server) handleServoAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req degRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Deg == nil {
		httputil.BadRequest(w, "deg is required")
		return
	}
	n := s.policy.Config().ServoCount
	items := make([]actuator.ServoTarget, 0, n)
	for id := 1; id <= n; id++ {
		items = append(items, actuator.ServoTarget{ID: id, Deg: *req.Deg})
	}
	res, err := s.policy.SetServoBatch(r.Context(), items)
	writeBatch(w, res, err)
}

func writeBatch(w http.ResponseWriter, res []actuator.ServoResult, err error) {
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, batchResponse{Items: res})
}

type powerRequest struct {
	Mode string `json:"mode"`
}

// handleServoPower reports the active servo power mode on GET and switches
// it on POST.
func (s *Server) handleServoPower(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var mode any
		if m := s.policy.ServoPower(); m != "" {
			mode = m
		}
		httputil.WriteJSONOK(w, map[string]any{
			"mode": mode,
			"hint": "Set via POST /servo/power or env SERVO_PWR_MODE at boot",
		})
	case http.MethodPost:
		if s.state.EstopActive() {
			httputil.Locked(w)
			return
		}
		var req powerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := s.policy.SetServoPower(r.Context(), req.Mode)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSONOK(w, res)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}
