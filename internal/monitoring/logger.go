package monitoring

import (
	"log"

	"go.uber.org/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	serialTrace      atomic.Bool
	serialMaxPreview = atomic.NewInt64(200)
)

// SetSerialTrace turns per-exchange TX/RX logging on or off. maxPreview bounds
// how much of each line is printed; values <= 0 keep the current limit.
func SetSerialTrace(enabled bool, maxPreview int) {
	serialTrace.Store(enabled)
	if maxPreview > 0 {
		serialMaxPreview.Store(int64(maxPreview))
	}
}

// SerialTraceEnabled reports whether Serialf output is currently emitted.
func SerialTraceEnabled() bool {
	return serialTrace.Load()
}

// Serialf logs wire-level traffic when serial tracing is enabled.
func Serialf(format string, v ...interface{}) {
	if !serialTrace.Load() {
		return
	}
	Logf("[serial] "+format, v...)
}

// Preview truncates s to the configured serial preview length.
func Preview(s string) string {
	limit := int(serialMaxPreview.Load())
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…(truncated)"
}
