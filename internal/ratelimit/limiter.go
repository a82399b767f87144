// Package ratelimit tracks per-provider, per-category request budgets so the
// router never sends a call a provider's quota would reject.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"trading-router/pkg/exchanges/common"
)

// WindowKind selects the counting strategy.
type WindowKind string

const (
	Fixed   WindowKind = "fixed"
	Sliding WindowKind = "sliding"
)

// Limit is a budget of Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
	Kind     WindowKind
}

// Validate rejects budgets that could never admit a call.
func (l Limit) Validate() error {
	if l.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be positive, got %d", l.Requests)
	}
	if l.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", l.Window)
	}
	switch l.Kind {
	case Fixed, Sliding, "":
	default:
		return fmt.Errorf("unknown rate limit window kind %q", l.Kind)
	}
	return nil
}

// Key identifies one budget.
type Key struct {
	Provider string
	Category common.Category
}

func (k Key) String() string { return k.Provider + ":" + string(k.Category) }

// Limiter is consulted by the router before every provider call. Keys with
// no configured limit are unlimited.
type Limiter interface {
	// TryAcquire consumes one unit and reports whether the call may proceed.
	TryAcquire(ctx context.Context, k Key) bool
	// Headroom is the unused fraction of the current window in [0,1].
	Headroom(ctx context.Context, k Key) float64
	// Exhaust marks the budget as spent, after a provider reported it is
	// over its limit. d extends the block beyond the window when the
	// provider asked for a longer backoff.
	Exhaust(ctx context.Context, k Key, d time.Duration)
	// RetryAfter estimates when k admits calls again.
	RetryAfter(ctx context.Context, k Key) time.Duration
}
