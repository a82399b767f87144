// Package monitor turns bus events into metrics and operator alerts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trading-router/internal/events"
	"trading-router/internal/gateway"
)

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus      *events.Bus
	Metrics  *Metrics
	Sinks    []AlertSink
	Throttle *Throttle

	wg sync.WaitGroup
}

var watched = []events.Event{
	events.EventAlert,
	events.EventProviderHealth,
	events.EventLedgerFault,
	events.EventAuditWriteFailed,
	events.EventSecurity,
}

// Start subscribes to the bus. It returns immediately; Wait blocks until
// ctx is cancelled and every listener has exited.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Warn().Msg("monitor has no event bus; skipping")
		return
	}
	for _, e := range watched {
		stream, unsub := m.Bus.Subscribe(e, 64)
		m.wg.Add(1)
		go func(e events.Event) {
			defer m.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.handle(ctx, e, msg)
				}
			}
		}(e)
	}
}

func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) handle(ctx context.Context, e events.Event, msg any) {
	switch e {
	case events.EventAlert:
		if a, ok := msg.(events.Alert); ok {
			m.deliver(ctx, a)
		}
	case events.EventProviderHealth:
		h, ok := msg.(events.HealthChange)
		if !ok {
			return
		}
		if m.Metrics != nil {
			m.Metrics.SetProviderHealth(h.ProviderID, gateway.Status(h.To))
		}
		if gateway.Status(h.To) == gateway.StatusUnhealthy {
			m.deliver(ctx, events.Alert{
				Severity: SeverityWarning,
				Title:    "provider unhealthy: " + h.ProviderID,
				Message:  h.Reason,
				At:       h.At,
			})
		} else if gateway.Status(h.From) == gateway.StatusUnhealthy {
			m.deliver(ctx, events.Alert{
				Severity: SeverityInfo,
				Title:    "provider recovered: " + h.ProviderID,
				Message:  fmt.Sprintf("%s -> %s", h.From, h.To),
				At:       h.At,
			})
		}
	case events.EventLedgerFault:
		if m.Metrics != nil {
			m.Metrics.IncLedgerFault()
		}
	case events.EventAuditWriteFailed:
		if m.Metrics != nil {
			m.Metrics.IncAuditFailure()
		}
	case events.EventSecurity:
		if m.Metrics != nil {
			m.Metrics.IncSecurity()
		}
	}
}

func (m *Monitor) deliver(ctx context.Context, a events.Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if m.Throttle != nil && !m.Throttle.Allow(a, a.At) {
		return
	}
	for _, s := range m.Sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := s.Send(sctx, a); err != nil {
			log.Error().Err(err).Str("title", a.Title).Msg("alert delivery failed")
		}
		cancel()
	}
}
