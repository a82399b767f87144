package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-router/pkg/exchanges/common"
)

// ErrNoAvailableProvider matches every *NoAvailableProviderError via errors.Is.
var ErrNoAvailableProvider = errors.New("no available provider")

// NoAvailableProviderError is returned when every candidate was skipped or
// failed. It is always retryable.
type NoAvailableProviderError struct {
	Operation  common.Operation
	Tried      []string // providers actually called, in order
	Candidates int      // eligible providers at selection time
	LastErr    error
	RetryAfter time.Duration
}

func (e *NoAvailableProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no available provider for %s", e.Operation)
	if e.Candidates == 0 {
		b.WriteString(": no eligible candidates")
	} else {
		fmt.Fprintf(&b, ": tried [%s] of %d candidates", strings.Join(e.Tried, ","), e.Candidates)
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": last error: %v", e.LastErr)
	}
	return b.String()
}

func (e *NoAvailableProviderError) Unwrap() error { return e.LastErr }

func (e *NoAvailableProviderError) Is(target error) bool { return target == ErrNoAvailableProvider }

// Retryable is always true; the caller may try again after RetryAfter.
func (e *NoAvailableProviderError) Retryable() bool { return true }
