package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trading-router/internal/events"
	"trading-router/internal/persistence"
)

const (
	DefaultHealthInterval = 15 * time.Second
	MinHealthInterval     = 5 * time.Second
	MaxHealthInterval     = 30 * time.Second
)

// ClampInterval bounds a configured probe interval. Zero selects the default.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultHealthInterval
	case d < MinHealthInterval:
		return MinHealthInterval
	case d > MaxHealthInterval:
		return MaxHealthInterval
	}
	return d
}

// MonitorConfig holds probe timing.
type MonitorConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration // defaults to half the interval
}

// ProbeResult is the outcome of one health ping.
type ProbeResult struct {
	ProviderID string        `json:"provider_id"`
	Status     Status        `json:"status"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Monitor probes every provider on a fixed cadence.
type Monitor struct {
	reg     *Registry
	cfg     MonitorConfig
	history *persistence.BatchWriter
	bus     *events.Bus
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. history and bus may be nil.
func NewMonitor(reg *Registry, cfg MonitorConfig, history *persistence.BatchWriter, bus *events.Bus) *Monitor {
	cfg.Interval = ClampInterval(cfg.Interval)
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout >= cfg.Interval {
		cfg.ProbeTimeout = cfg.Interval / 2
	}
	return &Monitor{
		reg:     reg,
		cfg:     cfg,
		history: history,
		bus:     bus,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Interval returns the effective probe cadence.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Start runs one probe cycle before returning, then keeps probing in the
// background until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.CheckAll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckAll probes every provider concurrently and waits for all of them.
// Results are ordered by provider id.
func (m *Monitor) CheckAll(ctx context.Context) []ProbeResult {
	records := m.reg.All()
	results := make([]ProbeResult, len(records))

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec *Record) {
			defer wg.Done()
			results[i] = m.probe(ctx, rec)
		}(i, rec)
	}
	wg.Wait()
	return results
}

func (m *Monitor) probe(ctx context.Context, rec *Record) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := time.Now()
	err := rec.provider.HealthPing(pctx)
	latency := time.Since(start)
	cancel()

	at := m.now()
	prev, next := rec.setHealth(err, at)

	res := ProbeResult{ProviderID: rec.ID(), Status: next, Latency: latency, CheckedAt: at}
	if err != nil {
		res.Error = err.Error()
	}

	if prev != next {
		evt := log.Info()
		if next == StatusUnhealthy {
			evt = log.Warn().Err(err)
		}
		evt.Str("provider", rec.ID()).Str("from", string(prev)).Str("to", string(next)).Msg("provider health changed")
		m.bus.Publish(events.EventProviderHealth, events.HealthChange{
			ProviderID: rec.ID(),
			From:       string(prev),
			To:         string(next),
			Reason:     res.Error,
			At:         at,
		})
	}

	if m.history != nil {
		m.history.Write(
			`INSERT INTO provider_health_checks (provider_id, status, latency_ms, error, checked_at) VALUES (?, ?, ?, ?, ?)`,
			res.ProviderID, string(res.Status), latency.Milliseconds(), res.Error, at.UnixMilli(),
		)
	}
	return res
}

// HealthHistory returns the newest probe rows for a provider.
func HealthHistory(ctx context.Context, db *sql.DB, providerID string, limit int) ([]ProbeResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT provider_id, status, latency_ms, error, checked_at
		FROM provider_health_checks
		WHERE provider_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query health history: %w", err)
	}
	defer rows.Close()

	var out []ProbeResult
	for rows.Next() {
		var (
			res     ProbeResult
			status  string
			latency int64
			at      int64
		)
		if err := rows.Scan(&res.ProviderID, &status, &latency, &res.Error, &at); err != nil {
			return nil, err
		}
		res.Status = Status(status)
		res.Latency = time.Duration(latency) * time.Millisecond
		res.CheckedAt = time.UnixMilli(at)
		out = append(out, res)
	}
	return out, rows.Err()
}
