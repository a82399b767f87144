package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrUnsupported      = errors.New("operation not supported by provider")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// ErrorKind distinguishes the ways a provider call can fail.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRejected    ErrorKind = "rejected"
	KindTransport   ErrorKind = "transport"
	KindRateLimited ErrorKind = "rate_limited"
)

// ProviderError is the structured failure returned by provider adapters.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration // set by venues that report a backoff
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with a kind.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// Classify maps any error from a provider call to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrInvalidPayload) {
		return KindRejected
	}
	return KindTransport
}
