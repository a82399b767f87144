// Package router picks a provider for each LIVE or MAINTENANCE operation and
// falls back through the remaining candidates when a call fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"trading-router/internal/gateway"
	"trading-router/internal/ratelimit"
	"trading-router/pkg/exchanges/common"
)

const (
	weightSuccess  = 0.6
	weightLatency  = 0.25
	weightHeadroom = 0.15

	refLatencyMs = 250.0
	scoreEpsilon = 1e-9
)

// ErrReadOnly is returned when a read-only route is asked to mutate.
var ErrReadOnly = errors.New("operation not permitted on a read-only route")

// Options tunes one routed call.
type Options struct {
	// ReadOnly refuses every operation that is not read-only.
	ReadOnly bool
	// RequestID doubles as the client order id for place_order.
	RequestID string
}

// Result describes a successful routed call.
type Result struct {
	Provider string
	Data     any
	Attempts int
	Latency  time.Duration
}

// Observer receives one callback per attempt. result is "success",
// "throttled" or a common.ErrorKind.
type Observer interface {
	ObserveAttempt(provider string, op common.Operation, result string, latency time.Duration)
}

// Config holds router limits.
type Config struct {
	// MaxAttempts caps provider calls per operation; 0 means one per provider.
	MaxAttempts int
	Timeouts    map[common.Category]time.Duration
	// DefaultRetryAfter is suggested when no limiter can say better.
	DefaultRetryAfter time.Duration
}

// Router selects providers by health, score and budget.
type Router struct {
	reg      *gateway.Registry
	limiter  ratelimit.Limiter
	cfg      Config
	observer Observer
}

// New creates a router. observer may be nil.
func New(reg *gateway.Registry, limiter ratelimit.Limiter, cfg Config, observer Observer) *Router {
	timeouts := map[common.Category]time.Duration{
		common.CategoryOrder:   5 * time.Second,
		common.CategoryAccount: 10 * time.Second,
		common.CategoryMarket:  8 * time.Second,
	}
	for cat, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[cat] = d
		}
	}
	cfg.Timeouts = timeouts
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 5 * time.Second
	}
	return &Router{reg: reg, limiter: limiter, cfg: cfg, observer: observer}
}

// Candidate is a ranked eligible provider.
type Candidate struct {
	ID       string
	Score    float64
	Priority int
	record   *gateway.Record
}

// Rank returns the eligible providers for op, best first.
func (r *Router) Rank(ctx context.Context, op common.Operation) []Candidate {
	var out []Candidate
	for _, rec := range r.reg.Supporting(op) {
		if !rec.Eligible(op) {
			continue
		}
		headroom := r.limiter.Headroom(ctx, ratelimit.Key{Provider: rec.ID(), Category: op.Category()})
		if headroom <= 0 {
			continue
		}
		out = append(out, Candidate{
			ID:       rec.ID(),
			Score:    score(rec.Stats(op), headroom),
			Priority: rec.Priority(op),
			record:   rec,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return out
}

func score(s gateway.StatsSnapshot, headroom float64) float64 {
	latency := 1.0
	if s.Count > 0 {
		latency = 1 / (1 + s.AvgLatencyMs/refLatencyMs)
	}
	if headroom > 1 {
		headroom = 1
	}
	return weightSuccess*s.SuccessRate + weightLatency*latency + weightHeadroom*headroom
}

// RouteAndExecute runs op on the best available provider, falling back in
// rank order. It never makes more than MaxAttempts provider calls and never
// executes anything outside the registry.
func (r *Router) RouteAndExecute(ctx context.Context, op common.Operation, payload any, opts Options) (Result, error) {
	if !op.Known() {
		return Result{}, fmt.Errorf("%w: %q", common.ErrUnknownOperation, op)
	}
	if opts.ReadOnly && !op.ReadOnly() {
		return Result{}, fmt.Errorf("%w: %s", ErrReadOnly, op)
	}
	payload = withClientID(op, payload, opts.RequestID)

	candidates := r.Rank(ctx, op)
	failure := &NoAvailableProviderError{Operation: op, Candidates: len(candidates)}
	if len(candidates) == 0 {
		failure.RetryAfter = r.retryHint(ctx, op)
		log.Warn().Str("op", string(op)).Str("request_id", opts.RequestID).Msg("no eligible provider")
		return Result{}, failure
	}

	maxCalls := r.cfg.MaxAttempts
	if maxCalls <= 0 {
		maxCalls = r.reg.Len()
	}
	timeout := r.cfg.Timeouts[op.Category()]

	calls := 0
	for _, c := range candidates {
		if calls >= maxCalls {
			break
		}
		if err := ctx.Err(); err != nil {
			failure.LastErr = err
			break
		}

		key := ratelimit.Key{Provider: c.ID, Category: op.Category()}
		if !r.limiter.TryAcquire(ctx, key) {
			r.observe(c.ID, op, "throttled", 0)
			continue
		}
		calls++
		failure.Tried = append(failure.Tried, c.ID)

		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, elapsed, err := c.record.Call(cctx, op, payload)
		if err == nil && cctx.Err() != nil {
			// the adapter ignored its deadline
			err = common.NewProviderError(c.ID, common.KindTimeout, cctx.Err())
		}
		cancel()

		if err == nil {
			r.observe(c.ID, op, "success", elapsed)
			return Result{Provider: c.ID, Data: out, Attempts: calls, Latency: elapsed}, nil
		}

		kind := common.Classify(err)
		r.observe(c.ID, op, string(kind), elapsed)
		log.Warn().Err(err).
			Str("provider", c.ID).
			Str("op", string(op)).
			Str("kind", string(kind)).
			Str("request_id", opts.RequestID).
			Int("attempt", calls).
			Msg("provider call failed; trying next")

		if kind == common.KindRateLimited {
			var pe *common.ProviderError
			var backoff time.Duration
			if errors.As(err, &pe) {
				backoff = pe.RetryAfter
			}
			r.limiter.Exhaust(ctx, key, backoff)
		}
		failure.LastErr = err
	}

	failure.RetryAfter = r.retryHint(ctx, op)
	return Result{Attempts: calls}, failure
}

// GetMarketData routes a read-only quote request. It lets the router act as
// the simulation engine's price source.
func (r *Router) GetMarketData(ctx context.Context, symbols []string) ([]common.MarketData, error) {
	res, err := r.RouteAndExecute(ctx, common.OpGetMarketData, common.MarketDataRequest{Symbols: symbols}, Options{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	quotes, ok := res.Data.([]common.MarketData)
	if !ok {
		return nil, fmt.Errorf("provider %s returned %T for market data", res.Provider, res.Data)
	}
	return quotes, nil
}

// retryHint is the shortest wait until any provider serving op has budget.
func (r *Router) retryHint(ctx context.Context, op common.Operation) time.Duration {
	best := time.Duration(0)
	for _, rec := range r.reg.Supporting(op) {
		d := r.limiter.RetryAfter(ctx, ratelimit.Key{Provider: rec.ID(), Category: op.Category()})
		if d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	if best == 0 {
		best = r.cfg.DefaultRetryAfter
	}
	return best
}

func (r *Router) observe(provider string, op common.Operation, result string, latency time.Duration) {
	if r.observer != nil {
		r.observer.ObserveAttempt(provider, op, result, latency)
	}
}

func withClientID(op common.Operation, payload any, requestID string) any {
	if op != common.OpPlaceOrder || requestID == "" {
		return payload
	}
	if req, ok := payload.(common.OrderRequest); ok && req.ClientID == "" {
		req.ClientID = requestID
		return req
	}
	return payload
}
