package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/banshee-data/motorbridge/internal/device"
	"github.com/banshee-data/motorbridge/internal/monitoring"
)

const defaultTelemetryInterval = time.Second

// telemetryFrame is one /ws/telemetry message.
type telemetryFrame struct {
	Arduino    device.Telemetry `json:"arduino"`
	ServoPwr   *string          `json:"servo_pwr"`
	SerialPort *string          `json:"serial_port"`
	Estop      bool             `json:"estop"`
	TS         time.Time        `json:"ts_utc"`
}

func (s *Server) telemetrySnapshot(ctx context.Context) telemetryFrame {
	f := telemetryFrame{Estop: s.state.EstopActive(), TS: s.clock.Now().UTC()}
	if m := s.policy.ServoPower(); m != "" {
		f.ServoPwr = &m
	}
	if s.dev == nil {
		f.Arduino = device.Telemetry{Error: "serial not initialized"}
		return f
	}
	if p := s.dev.Port(); p != "" {
		f.SerialPort = &p
	}
	f.Arduino = s.dev.Telemetry(ctx)
	return f
}

// handleTelemetryStream pushes a controller telemetry frame on connect and
// then once per interval until the client goes away. Client messages are
// ignored.
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		monitoring.Logf("telemetry stream: accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := s.clock.NewTicker(s.telemetryInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, s.telemetrySnapshot(ctx)); err != nil {
			if !errors.Is(err, context.Canceled) {
				monitoring.Logf("telemetry stream: write failed: %v", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C():
		}
	}
}
