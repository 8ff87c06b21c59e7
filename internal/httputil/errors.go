package httputil

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/serialmux"
)

// StatusForError maps an actuation or link error to the HTTP status served
// for it. WebSocket error frames use the same mapping.
func StatusForError(err error) int {
	var (
		ve *actuator.ValidationError
		pe *serialmux.ProtocolError
		rl *actuator.RateLimitedError
		ue *actuator.UnsupportedError
		ce *serialmux.ConnectionError
		te *serialmux.TimeoutError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve), errors.As(err, &pe), errors.Is(err, serialmux.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, actuator.ErrEstopActive):
		return http.StatusLocked
	case errors.As(err, &ue):
		return http.StatusNotImplemented
	case errors.As(err, &ce), errors.Is(err, serialmux.ErrDisabled), errors.Is(err, serialmux.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteError writes err as a JSON error with the status from
// StatusForError. Rate-limit errors also carry a Retry-After header in whole
// seconds, rounded up.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	var rl *actuator.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSONError(w, status, err.Error())
}
