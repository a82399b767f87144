// Package execution is the single entry point for trading operations. It
// verifies the caller's mode context, applies the mode permission table and
// only then hands the operation to the simulation engine or the router.
// Every call produces exactly one audit record.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/mode"
	"trading-router/internal/router"
	"trading-router/internal/simulation"
	"trading-router/pkg/exchanges/common"
	"trading-router/pkg/i18n"
)

// Code is the stable machine-readable result code.
type Code string

const (
	CodeOK                  Code = "OK"
	CodeInvalidContext      Code = "INVALID_CONTEXT"
	CodeDeniedByMode        Code = "DENIED_BY_MODE"
	CodeNoAvailableProvider Code = "NO_AVAILABLE_PROVIDER"
	CodeLedgerFault         Code = "LEDGER_FAULT"
	CodePriceUnavailable    Code = "PRICE_UNAVAILABLE"
	CodeInvalidPayload      Code = "INVALID_PAYLOAD"
	CodeRejected            Code = "REJECTED"
	CodeReadOnly            Code = "READ_ONLY"
	CodeFailed              Code = "FAILED"
)

// Request is one operation submitted by a caller.
type Request struct {
	// ID identifies the request end to end and becomes the client order id
	// of LIVE orders. Generated when empty.
	ID        string
	Operation common.Operation
	// Params is the typed payload. When nil, Payload is decoded instead.
	Params  any
	Payload json.RawMessage
	Context *mode.Context
}

// Result is always returned; business failures are values, not errors.
type Result struct {
	RequestID  string           `json:"request_id"`
	Outcome    audit.Outcome    `json:"outcome"`
	Operation  common.Operation `json:"operation"`
	Mode       mode.Mode        `json:"mode,omitempty"`
	Provider   string           `json:"provider,omitempty"`
	Data       any              `json:"data,omitempty"`
	Code       Code             `json:"code"`
	Reason     string           `json:"reason,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	Retryable  bool             `json:"retryable"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	AuditID    string           `json:"audit_id,omitempty"`
	AuditError string           `json:"audit_error,omitempty"`
}

// ContextVerifier authenticates presented mode contexts.
type ContextVerifier interface {
	Verify(ctx context.Context, c *mode.Context) (*mode.Context, error)
}

// Permissions decides whether an operation may run in a mode.
type Permissions interface {
	IsAllowed(op common.Operation, m mode.Mode) bool
}

// PaperExecutor runs PAPER operations against a virtual account.
type PaperExecutor interface {
	Execute(ctx context.Context, accountID string, op common.Operation, payload any) (any, error)
}

// LiveRouter runs LIVE and MAINTENANCE operations on real providers.
type LiveRouter interface {
	RouteAndExecute(ctx context.Context, op common.Operation, payload any, opts router.Options) (router.Result, error)
}

// AuditSink records the outcome of every call.
type AuditSink interface {
	Append(ctx context.Context, e audit.Entry) (audit.Record, error)
}

// Observer is told about every finished call.
type Observer interface {
	ObserveExecution(m mode.Mode, op common.Operation, outcome audit.Outcome, latency time.Duration)
}

// Service composes validation, routing and auditing.
type Service struct {
	verifier ContextVerifier
	perms    Permissions
	paper    PaperExecutor
	live     LiveRouter
	audit    AuditSink
	bus      *events.Bus
	observer Observer
	issuer   ModeIssuer
}

// Deps lists the collaborators of a Service. Bus and Observer are optional.
type Deps struct {
	Verifier ContextVerifier
	Perms    Permissions
	Paper    PaperExecutor
	Live     LiveRouter
	Audit    AuditSink
	Bus      *events.Bus
	Observer Observer
	// Issuer enables SwitchMode and EndSession.
	Issuer ModeIssuer
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Verifier == nil:
		return nil, errors.New("execution: context verifier required")
	case d.Perms == nil:
		return nil, errors.New("execution: permission table required")
	case d.Paper == nil:
		return nil, errors.New("execution: paper executor required")
	case d.Live == nil:
		return nil, errors.New("execution: router required")
	case d.Audit == nil:
		return nil, errors.New("execution: audit sink required")
	}
	return &Service{
		verifier: d.Verifier,
		perms:    d.Perms,
		paper:    d.Paper,
		live:     d.Live,
		audit:    d.Audit,
		bus:      d.Bus,
		observer: d.Observer,
		issuer:   d.Issuer,
	}, nil
}

// Execute runs req and returns its result. It never panics on business
// outcomes and always writes one audit record.
func (s *Service) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := Result{RequestID: req.ID, Operation: req.Operation}

	verified, err := s.verifier.Verify(ctx, req.Context)
	if err != nil {
		res.Outcome = audit.OutcomeDenied
		res.Code = CodeInvalidContext
		res.Reason = i18n.M().ReasonInvalidContext
		res.Detail = err.Error()
		log.Warn().Err(err).Str("op", string(req.Operation)).Str("request_id", req.ID).
			Msg("security: invalid mode context")
		s.bus.Publish(events.EventSecurity, events.SecurityEvent{
			RequestID: req.ID,
			Operation: string(req.Operation),
			Reason:    err.Error(),
			At:        start,
		})
		return s.finish(ctx, req, nil, res, start)
	}
	res.Mode = verified.Mode()

	if !s.perms.IsAllowed(req.Operation, verified.Mode()) {
		res.Outcome = audit.OutcomeDenied
		res.Code = CodeDeniedByMode
		res.Reason = i18n.M().ReasonDeniedByMode
		log.Info().Str("op", string(req.Operation)).Str("mode", string(verified.Mode())).
			Str("actor", verified.ActorID()).Str("request_id", req.ID).Msg("operation denied by mode")
		return s.finish(ctx, req, verified, res, start)
	}

	payload, err := s.payload(req)
	if err != nil {
		res.Outcome = audit.OutcomeFailed
		res.Code = CodeInvalidPayload
		res.Reason = i18n.M().ReasonInvalidPayload
		res.Detail = err.Error()
		return s.finish(ctx, req, verified, res, start)
	}

	switch verified.Mode() {
	case mode.Paper:
		data, err := s.paper.Execute(ctx, verified.ActorID(), req.Operation, payload)
		res = s.paperOutcome(res, data, err, verified.ActorID())
	case mode.Live, mode.Maintenance:
		opts := router.Options{RequestID: req.ID, ReadOnly: verified.Mode() == mode.Maintenance}
		out, err := s.live.RouteAndExecute(ctx, req.Operation, payload, opts)
		res = liveOutcome(res, out, err)
	default:
		// Verify only returns known modes; keep the switch total anyway.
		res.Outcome = audit.OutcomeDenied
		res.Code = CodeDeniedByMode
		res.Reason = i18n.M().ReasonDeniedByMode
	}
	return s.finish(ctx, req, verified, res, start)
}

func (s *Service) payload(req Request) (any, error) {
	if req.Params != nil {
		return req.Params, nil
	}
	return common.DecodePayload(req.Operation, req.Payload)
}

func (s *Service) paperOutcome(res Result, data any, err error, accountID string) Result {
	if err == nil {
		res.Outcome = audit.OutcomeExecuted
		res.Code = CodeOK
		res.Data = data
		return res
	}
	res.Outcome = audit.OutcomeFailed
	res.Detail = err.Error()
	m := i18n.M()
	switch {
	case errors.Is(err, simulation.ErrLedgerFault):
		res.Code, res.Reason = CodeLedgerFault, m.ReasonLedgerFault
		log.Error().Err(err).Str("account", accountID).Msg("paper operation refused: ledger fault")
	case errors.Is(err, simulation.ErrPriceUnavailable):
		res.Code, res.Reason = CodePriceUnavailable, m.ReasonPriceUnavailable
		res.Retryable = true
		res.Data = data
	case errors.Is(err, simulation.ErrInvalidOrder), errors.Is(err, common.ErrInvalidPayload):
		res.Code, res.Reason = CodeInvalidPayload, m.ReasonInvalidPayload
	case errors.Is(err, simulation.ErrInsufficientFunds):
		res.Code, res.Reason = CodeRejected, m.ReasonInsufficientFunds
	case errors.Is(err, simulation.ErrInsufficientPosition):
		res.Code, res.Reason = CodeRejected, m.ReasonInsufficientPos
	case errors.Is(err, simulation.ErrOrderNotFound):
		res.Code, res.Reason = CodeRejected, m.ReasonOrderNotFound
	case errors.Is(err, simulation.ErrNotSimulated):
		res.Code, res.Reason = CodeRejected, m.ReasonNotSimulated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Code, res.Reason = CodeFailed, m.ReasonExecutionFailed
		res.Retryable = true
	default:
		res.Code, res.Reason = CodeFailed, m.ReasonExecutionFailed
	}
	return res
}

func liveOutcome(res Result, out router.Result, err error) Result {
	res.Attempts = out.Attempts
	if err == nil {
		res.Outcome = audit.OutcomeExecuted
		res.Code = CodeOK
		res.Provider = out.Provider
		res.Data = out.Data
		return res
	}
	res.Outcome = audit.OutcomeFailed
	res.Detail = err.Error()
	m := i18n.M()
	var nap *router.NoAvailableProviderError
	switch {
	case errors.As(err, &nap):
		res.Code, res.Reason = CodeNoAvailableProvider, m.ReasonNoAvailableProvider
		res.Retryable = nap.Retryable()
		res.RetryAfter = nap.RetryAfter
	case errors.Is(err, router.ErrReadOnly):
		res.Code, res.Reason = CodeReadOnly, m.ReasonReadOnly
	case errors.Is(err, common.ErrUnknownOperation), errors.Is(err, common.ErrInvalidPayload):
		res.Code, res.Reason = CodeInvalidPayload, m.ReasonInvalidPayload
	default:
		res.Code, res.Reason = CodeFailed, m.ReasonExecutionFailed
	}
	return res
}

// finish writes the audit record. An audit failure is reported on the
// result but never changes its outcome.
func (s *Service) finish(ctx context.Context, req Request, verified *mode.Context, res Result, start time.Time) Result {
	e := audit.Entry{
		Operation: string(req.Operation),
		Outcome:   res.Outcome,
		Reason:    string(res.Code),
		RequestID: req.ID,
	}
	if res.Detail != "" {
		e.Reason = string(res.Code) + ": " + res.Detail
	}
	if verified != nil {
		e.ActorID = verified.ActorID()
		e.SessionID = verified.SessionID()
		e.Mode = string(verified.Mode())
	}
	if res.Outcome != audit.OutcomeDenied && res.Provider != "" {
		provider := res.Provider
		e.ProviderUsed = &provider
	}

	// The audit write must outlive a caller that has already gone away.
	rec, err := s.audit.Append(context.WithoutCancel(ctx), e)
	if rec.ID != "" {
		res.AuditID = rec.ID
	}
	if err != nil {
		res.AuditError = err.Error()
		log.Error().Err(err).Str("request_id", req.ID).Msg("execution result not durably audited")
	}

	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveExecution(res.Mode, req.Operation, res.Outcome, elapsed)
	}
	log.Debug().
		Str("request_id", req.ID).
		Str("op", string(req.Operation)).
		Str("mode", string(res.Mode)).
		Str("outcome", string(res.Outcome)).
		Str("code", string(res.Code)).
		Str("provider", res.Provider).
		Dur("latency", elapsed).
		Msg("execute")
	return res
}
