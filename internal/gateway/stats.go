package gateway

import (
	"sort"
	"sync"
	"time"
)

// RollingStats keeps the last N call outcomes for one provider operation.
// Stats are computed lazily and cached until the next Record.
type RollingStats struct {
	mu      sync.Mutex
	samples []sample
	maxSize int
	dirty   bool
	cached  StatsSnapshot
}

type sample struct {
	ok bool
	ms float64
}

// StatsSnapshot is the computed view of a window.
type StatsSnapshot struct {
	Count        int     `json:"count"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// NewRollingStats creates a window holding at most size samples.
func NewRollingStats(size int) *RollingStats {
	if size <= 0 {
		size = 100
	}
	return &RollingStats{
		samples: make([]sample, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds one call outcome.
func (s *RollingStats) Record(ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) >= s.maxSize {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, sample{ok: ok, ms: float64(latency.Nanoseconds()) / 1e6})
	s.dirty = true
}

// Snapshot returns the window statistics. An empty window reports a success
// rate of 1 so new providers are not starved.
func (s *RollingStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return s.cached
	}

	n := len(s.samples)
	if n == 0 {
		s.cached = StatsSnapshot{SuccessRate: 1}
		s.dirty = false
		return s.cached
	}

	lat := make([]float64, n)
	var sum float64
	var okCount int
	for i, smp := range s.samples {
		lat[i] = smp.ms
		sum += smp.ms
		if smp.ok {
			okCount++
		}
	}
	sort.Float64s(lat)

	s.cached = StatsSnapshot{
		Count:        n,
		Successes:    okCount,
		Failures:     n - okCount,
		SuccessRate:  float64(okCount) / float64(n),
		AvgLatencyMs: sum / float64(n),
		P95LatencyMs: lat[int(float64(n-1)*0.95)],
	}
	s.dirty = false
	return s.cached
}
