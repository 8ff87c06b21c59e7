package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/banshee-data/motorbridge/internal/device"
	"github.com/banshee-data/motorbridge/internal/httputil"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/safety"
	"github.com/banshee-data/motorbridge/internal/version"
)

// handleHealth pings the controller. It always answers 200 and reports the
// link state in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	var servoPwr any
	if m := s.policy.ServoPower(); m != "" {
		servoPwr = m
	}
	if s.dev == nil {
		httputil.WriteJSONOK(w, map[string]any{"ok": false, "error": "serial not initialized", "servo_pwr": servoPwr})
		return
	}
	reply, err := s.dev.Ping(r.Context())
	if err != nil {
		httputil.WriteJSONOK(w, map[string]any{"ok": false, "error": err.Error(), "servo_pwr": servoPwr})
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true, "arduino": reply, "servo_pwr": servoPwr})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"server": version.Current(s.clock.Now())})
}

func (s *Server) handleSafetyState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.state.Snapshot())
}

func (s *Server) handleEstop(w http.ResponseWriter, r *http.Request) {
	s.estopAction(w, r, true, s.sup.TriggerEstop)
}

func (s *Server) handleEstopReset(w http.ResponseWriter, r *http.Request) {
	s.estopAction(w, r, false, s.sup.ResetEstop)
}

func (s *Server) estopAction(w http.ResponseWriter, r *http.Request, latched bool, act func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := act(r.Context(), "api "+r.RemoteAddr); err != nil {
		if errors.Is(err, safety.ErrEstopDisabled) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true, "estop": latched})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := map[string]any{"serial_port": nil, "servo_pwr": nil, "device": nil}
	if m := s.policy.ServoPower(); m != "" {
		resp["servo_pwr"] = m
	}
	if s.dev != nil {
		if p := s.dev.Port(); p != "" {
			resp["serial_port"] = p
		}
		if info := s.dev.Info(); info != nil {
			resp["device"] = info
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// handleDeviceRefresh re-probes the controller and installs the reported
// command set as the capability gate.
func (s *Server) handleDeviceRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.dev == nil {
		httputil.ServiceUnavailable(w, "serial not initialized")
		return
	}
	info := s.dev.Probe(r.Context(), s.probeTimeout)
	s.policy.SetCapabilities(info.SupportedCommands)
	monitoring.Logf("device refreshed: %d commands advertised", len(info.SupportedCommands))
	httputil.WriteJSONOK(w, info)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.dev == nil {
		httputil.WriteJSONOK(w, device.Telemetry{Error: "serial not initialized"})
		return
	}
	httputil.WriteJSONOK(w, s.dev.Telemetry(r.Context()))
}

func (s *Server) handleLinkStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.stats == nil {
		httputil.NotFound(w, "link statistics are not collected")
		return
	}
	httputil.WriteJSONOK(w, s.stats.Snapshot())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.journal.RecentExchanges(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, records)
}

func (s *Server) handleJournalSafety(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.journal.RecentSafetyEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}
