package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WeightGauge mirrors the request weight a venue reports in its response
// headers. It complements the router's own limiter: the venue's count is
// authoritative when other clients share the same API key.
type WeightGauge struct {
	provider      string
	used          int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightGauge creates a gauge for limit units per resetInterval
// (e.g. 1200 per minute on Binance spot).
func NewWeightGauge(provider string, limit int, resetInterval time.Duration) *WeightGauge {
	return &WeightGauge{
		provider:      provider,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Observe records the used weight from a response header value.
func (g *WeightGauge) Observe(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	g.mu.Lock()
	if time.Since(g.lastReset) >= g.resetInterval {
		g.lastReset = time.Now()
	}
	g.used = weight
	pct := g.percentLocked()
	g.mu.Unlock()

	switch {
	case pct >= 95:
		log.Warn().Str("provider", g.provider).Int("used", weight).Int("limit", g.limit).
			Msg("venue weight critical")
	case pct >= 80:
		log.Info().Str("provider", g.provider).Int("used", weight).Int("limit", g.limit).
			Msg("venue weight high")
	}
}

// Usage returns current usage. A stale window reads as empty.
func (g *WeightGauge) Usage() (used, limit int, percentage float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if time.Since(g.lastReset) >= g.resetInterval {
		return 0, g.limit, 0
	}
	return g.used, g.limit, g.percentLocked()
}

// Saturated is true when the venue is close enough to its limit that the
// next call risks a ban.
func (g *WeightGauge) Saturated() bool {
	_, _, pct := g.Usage()
	return pct >= 90
}

// RetryAfter is the time left in the current window.
func (g *WeightGauge) RetryAfter() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	left := g.resetInterval - time.Since(g.lastReset)
	if left < 0 {
		return 0
	}
	return left
}

func (g *WeightGauge) percentLocked() float64 {
	if g.limit <= 0 {
		return 0
	}
	return float64(g.used) / float64(g.limit) * 100
}
