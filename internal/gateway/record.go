package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"trading-router/pkg/exchanges/common"
)

// Status is the health state of a provider.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusUnhealthy Status = "UNHEALTHY"
)

// RecordConfig configures one provider record.
type RecordConfig struct {
	// Capabilities declared by configuration. Empty means everything the adapter serves.
	Capabilities      []common.Operation
	Priority          int
	OperationPriority map[common.Operation]int
	StatsWindow       int
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Record is the router's view of one provider. Health fields change only
// through the Monitor; stats and breaker change only through Call.
type Record struct {
	provider   common.Provider
	caps       []common.Operation
	capSet     map[common.Operation]struct{}
	priority   int
	opPriority map[common.Operation]int
	stats      map[common.Operation]*RollingStats
	breaker    *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	status    Status
	lastCheck time.Time
	lastErr   string
}

// RecordSnapshot is a copy of a record for display.
type RecordSnapshot struct {
	ID           string                             `json:"id"`
	Status       Status                             `json:"status"`
	LastCheckAt  time.Time                          `json:"last_check_at"`
	LastError    string                             `json:"last_error,omitempty"`
	Breaker      string                             `json:"breaker"`
	Priority     int                                `json:"priority"`
	Capabilities []common.Operation                 `json:"capabilities"`
	Stats        map[common.Operation]StatsSnapshot `json:"stats"`
}

// NewRecord wraps p. The effective capability set is the intersection of
// the declared set and what the adapter reports.
func NewRecord(p common.Provider, cfg RecordConfig) (*Record, error) {
	if p == nil {
		return nil, errors.New("nil provider")
	}
	id := p.ID()

	adapter := make(map[common.Operation]struct{})
	for _, op := range p.Capabilities() {
		adapter[op] = struct{}{}
	}
	declared := cfg.Capabilities
	if len(declared) == 0 {
		declared = p.Capabilities()
	}

	r := &Record{
		provider:   p,
		capSet:     make(map[common.Operation]struct{}),
		priority:   cfg.Priority,
		opPriority: make(map[common.Operation]int, len(cfg.OperationPriority)),
		stats:      make(map[common.Operation]*RollingStats),
		status:     StatusUnknown,
	}
	for _, op := range declared {
		if !op.Known() {
			return nil, fmt.Errorf("provider %s: %w: %q", id, common.ErrUnknownOperation, op)
		}
		if _, ok := adapter[op]; !ok {
			log.Warn().Str("provider", id).Str("op", string(op)).Msg("capability declared but not served by adapter; ignored")
			continue
		}
		r.capSet[op] = struct{}{}
	}
	if len(r.capSet) == 0 {
		return nil, fmt.Errorf("provider %s: no usable capabilities", id)
	}
	for _, op := range common.Operations() {
		if _, ok := r.capSet[op]; ok {
			r.caps = append(r.caps, op)
			r.stats[op] = NewRollingStats(cfg.StatsWindow)
		}
	}
	for op, prio := range cfg.OperationPriority {
		r.opPriority[op] = prio
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A venue refusing an order is answering; only silence and
		// transport faults count against it.
		IsSuccessful: func(err error) bool {
			return err == nil || common.Classify(err) == common.KindRejected
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return r, nil
}

// ID returns the provider id.
func (r *Record) ID() string { return r.provider.ID() }

// Provider returns the wrapped adapter.
func (r *Record) Provider() common.Provider { return r.provider }

// Supports reports whether op is in the effective capability set.
func (r *Record) Supports(op common.Operation) bool {
	_, ok := r.capSet[op]
	return ok
}

// Capabilities returns the effective capability set in vocabulary order.
func (r *Record) Capabilities() []common.Operation {
	return append([]common.Operation(nil), r.caps...)
}

// Priority returns the static tie-break priority for op; lower wins.
func (r *Record) Priority(op common.Operation) int {
	if p, ok := r.opPriority[op]; ok {
		return p
	}
	return r.priority
}

// Status returns the last probe verdict.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// BreakerOpen reports whether the breaker currently rejects calls.
func (r *Record) BreakerOpen() bool {
	return r.breaker.State() == gobreaker.StateOpen
}

// Eligible reports whether the record may be offered op right now.
func (r *Record) Eligible(op common.Operation) bool {
	return r.Supports(op) && r.Status() == StatusHealthy && !r.BreakerOpen()
}

// Stats returns the rolling window for op.
func (r *Record) Stats(op common.Operation) StatsSnapshot {
	if s, ok := r.stats[op]; ok {
		return s.Snapshot()
	}
	return StatsSnapshot{SuccessRate: 1}
}

// Call dispatches op through the breaker and records the outcome.
func (r *Record) Call(ctx context.Context, op common.Operation, payload any) (any, time.Duration, error) {
	start := time.Now()
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return common.Dispatch(ctx, r.provider, op, payload)
	})
	elapsed := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = common.NewProviderError(r.ID(), common.KindTransport, err)
	}
	if s, ok := r.stats[op]; ok {
		s.Record(err == nil, elapsed)
	}
	return out, elapsed, err
}

// setHealth applies a probe result and reports the previous status.
func (r *Record) setHealth(err error, at time.Time) (prev, next Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev = r.status
	r.lastCheck = at
	if err != nil {
		r.status = StatusUnhealthy
		r.lastErr = err.Error()
	} else {
		r.status = StatusHealthy
		r.lastErr = ""
	}
	return prev, r.status
}

// Snapshot copies the record for display.
func (r *Record) Snapshot() RecordSnapshot {
	r.mu.RLock()
	snap := RecordSnapshot{
		ID:          r.ID(),
		Status:      r.status,
		LastCheckAt: r.lastCheck,
		LastError:   r.lastErr,
	}
	r.mu.RUnlock()

	snap.Breaker = r.breaker.State().String()
	snap.Priority = r.priority
	snap.Capabilities = r.Capabilities()
	snap.Stats = make(map[common.Operation]StatsSnapshot, len(r.stats))
	for op, s := range r.stats {
		snap.Stats[op] = s.Snapshot()
	}
	return snap
}
