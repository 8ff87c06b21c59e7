package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/serialmux"
)

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", &actuator.ValidationError{Field: "deg", Reason: "out of range"}, http.StatusBadRequest},
		{"protocol", &serialmux.ProtocolError{Sent: "SetServo 9 10", Reply: "ERR BadId"}, http.StatusBadRequest},
		{"wrapped protocol", fmt.Errorf("servo: %w", &serialmux.ProtocolError{Reply: "ERR"}), http.StatusBadRequest},
		{"rate limited", &actuator.RateLimitedError{ServoID: 1, RetryAfter: time.Millisecond}, http.StatusTooManyRequests},
		{"estop", actuator.ErrEstopActive, http.StatusLocked},
		{"unsupported", &actuator.UnsupportedError{Commands: []string{"SetServo"}}, http.StatusNotImplemented},
		{"connection", &serialmux.ConnectionError{Op: "write", Err: errors.New("eio")}, http.StatusServiceUnavailable},
		{"disabled", serialmux.ErrDisabled, http.StatusServiceUnavailable},
		{"not connected", serialmux.ErrNotConnected, http.StatusServiceUnavailable},
		{"timeout", &serialmux.TimeoutError{Sent: "PING"}, http.StatusGatewayTimeout},
		{"batch wraps cause", &serialmux.BatchError{Index: 1, Err: &serialmux.TimeoutError{Sent: "SetBEngine 0"}}, http.StatusGatewayTimeout},
		{"other", context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, &actuator.RateLimitedError{ServoID: 2, RetryAfter: 70 * time.Millisecond})

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestWriteError_NoRetryAfterForOtherErrors(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, actuator.ErrEstopActive)

	if rec.Code != http.StatusLocked {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusLocked)
	}
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want empty", got)
	}
}
