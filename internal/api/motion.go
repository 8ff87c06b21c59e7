package api

import (
	"net/http"
	"time"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/httputil"
)

const defaultActionPower = 160

var shortcutManeuvers = map[string]actuator.Maneuver{
	"/actions/forward":  actuator.ManeuverForward,
	"/actions/backward": actuator.ManeuverBackward,
	"/actions/left":     actuator.ManeuverTurnLeft,
	"/actions/right":    actuator.ManeuverTurnRight,
}

type motorRequest struct {
	Cmd   string `json:"cmd"`
	Speed *int   `json:"speed"`
}

// handleMotor handles POST /motor, one raw motor verb.
func (s *Server) handleMotor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req motorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Speed == nil {
		httputil.BadRequest(w, "speed is required")
		return
	}
	res, err := s.policy.SetMotor(r.Context(), req.Cmd, *req.Speed)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// handleJoystick handles POST /joystick, a single mixed sample.
func (s *Server) handleJoystick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	in := actuator.DefaultJoystickInput()
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := s.policy.Joystick(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

type actionInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (s *Server) handleActionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	actions := make([]actionInfo, 0, len(actuator.Maneuvers()))
	for _, m := range actuator.Maneuvers() {
		actions = append(actions, actionInfo{Name: m.String(), Title: m.Title()})
	}
	httputil.WriteJSONOK(w, map[string]any{"actions": actions})
}

type actionRequest struct {
	Action     string `json:"action"`
	Power      *int   `json:"power"`
	DurationMs int    `json:"duration_ms"`
}

// handleActionsRun handles POST /actions/run. A positive duration holds the
// maneuver and then stops the motors.
func (s *Server) handleActionsRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req actionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := actuator.ParseManeuver(req.Action)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	power := defaultActionPower
	if req.Power != nil {
		power = *req.Power
	}
	if power < 0 || power > actuator.MaxSpeed {
		httputil.BadRequest(w, "power must be between 0 and 255")
		return
	}
	res, err := s.policy.RunManeuver(r.Context(), m, power, time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// handleActionStop handles POST /actions/stop. It is allowed while E-STOP is
// latched.
func (s *Server) handleActionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	res, err := s.policy.StopMotors(r.Context(), false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"sent": res.Sent, "replies": res.Replies})
}

func (s *Server) handleManeuverShortcut(m actuator.Maneuver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		power, err := queryInt(r, "power", defaultActionPower)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if power < 0 || power > actuator.MaxSpeed {
			httputil.BadRequest(w, "power must be between 0 and 255")
			return
		}
		res, err := s.policy.RunManeuver(r.Context(), m, power, 0)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]any{"sent": res.Sent, "replies": res.Replies})
	}
}
