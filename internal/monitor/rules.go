package monitor

import (
	"sync"
	"time"

	"trading-router/internal/events"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Throttle drops alerts below a minimum severity and repeats of the same
// title inside the cooldown. Critical alerts are never suppressed.
type Throttle struct {
	min      string
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(minSeverity string, cooldown time.Duration) *Throttle {
	return &Throttle{min: minSeverity, cooldown: cooldown, last: make(map[string]time.Time)}
}

// Allow reports whether a should be delivered at now.
func (t *Throttle) Allow(a events.Alert, now time.Time) bool {
	if severityRank(a.Severity) < severityRank(t.min) {
		return false
	}
	if a.Severity == SeverityCritical || t.cooldown <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[a.Title]; ok && now.Sub(prev) < t.cooldown {
		return false
	}
	t.last[a.Title] = now
	return true
}
