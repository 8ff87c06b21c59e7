package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultLinkStatsWindow is the number of recent round trips kept for quantiles.
const DefaultLinkStatsWindow = 512

// LinkStats accumulates serial round-trip outcomes. Durations are kept in a
// fixed-size ring so the quantiles describe recent link health.
type LinkStats struct {
	mu       sync.Mutex
	window   []float64
	next     int
	filled   bool
	total    uint64
	failures uint64
	quiet    uint64
	lastErr  string
	lastAt   time.Time
}

// LinkStatsSnapshot is the JSON view served on /api/link/stats.
type LinkStatsSnapshot struct {
	Total     uint64    `json:"total"`
	Failures  uint64    `json:"failures"`
	Quiet     uint64    `json:"quiet"`
	Samples   int       `json:"samples"`
	MeanMs    float64   `json:"mean_ms"`
	StdDevMs  float64   `json:"stddev_ms"`
	P50Ms     float64   `json:"p50_ms"`
	P95Ms     float64   `json:"p95_ms"`
	P99Ms     float64   `json:"p99_ms"`
	MaxMs     float64   `json:"max_ms"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
}

// NewLinkStats creates a LinkStats keeping the last window round trips.
func NewLinkStats(window int) *LinkStats {
	if window <= 0 {
		window = DefaultLinkStatsWindow
	}
	return &LinkStats{window: make([]float64, window)}
}

// Observe records one completed exchange.
func (s *LinkStats) Observe(d time.Duration, err error, quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.lastAt = time.Now()
	if quiet {
		s.quiet++
	}
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
		return
	}
	s.window[s.next] = float64(d) / float64(time.Millisecond)
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
}

// Snapshot computes summary statistics over the successful round trips in the
// current window.
func (s *LinkStats) Snapshot() LinkStatsSnapshot {
	s.mu.Lock()
	n := s.next
	if s.filled {
		n = len(s.window)
	}
	samples := make([]float64, n)
	copy(samples, s.window[:n])
	snap := LinkStatsSnapshot{
		Total:     s.total,
		Failures:  s.failures,
		Quiet:     s.quiet,
		Samples:   n,
		LastError: s.lastErr,
		LastAt:    s.lastAt,
	}
	s.mu.Unlock()

	if n == 0 {
		return snap
	}
	sort.Float64s(samples)
	snap.MeanMs = stat.Mean(samples, nil)
	if n > 1 {
		// sample std dev is NaN for a single value, which JSON cannot encode
		snap.StdDevMs = stat.StdDev(samples, nil)
	}
	snap.P50Ms = stat.Quantile(0.50, stat.Empirical, samples, nil)
	snap.P95Ms = stat.Quantile(0.95, stat.Empirical, samples, nil)
	snap.P99Ms = stat.Quantile(0.99, stat.Empirical, samples, nil)
	snap.MaxMs = samples[n-1]
	return snap
}
