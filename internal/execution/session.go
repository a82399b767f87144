package execution

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trading-router/internal/audit"
	"trading-router/internal/mode"
)

// Pseudo-operations recorded for mode decisions.
const (
	opModeSwitch = "mode_switch"
	opSessionEnd = "session_end"
)

// ErrNoIssuer is returned when the service was built without an issuer.
var ErrNoIssuer = errors.New("execution: mode issuer not configured")

// ModeIssuer issues and retires mode contexts.
type ModeIssuer interface {
	Issue(ctx context.Context, m mode.Mode, actorID, sessionID string, proof mode.Proof) (*mode.Context, error)
	Revoke(ctx context.Context, sessionID string) error
}

// SwitchResult reports a mode switch. Context is nil when it was refused.
type SwitchResult struct {
	Context    *mode.Context
	Outcome    audit.Outcome
	Reason     string
	AuditID    string
	AuditError string
}

// SwitchMode issues a new context for the session and audits the decision.
func (s *Service) SwitchMode(ctx context.Context, m mode.Mode, actorID, sessionID string, proof mode.Proof) (SwitchResult, error) {
	if s.issuer == nil {
		return SwitchResult{}, ErrNoIssuer
	}
	c, err := s.issuer.Issue(ctx, m, actorID, sessionID, proof)

	e := audit.Entry{
		ActorID:   actorID,
		SessionID: sessionID,
		Mode:      string(m),
		Operation: opModeSwitch,
		Outcome:   audit.OutcomeExecuted,
		RequestID: uuid.NewString(),
	}
	res := SwitchResult{Context: c, Outcome: audit.OutcomeExecuted}
	if err != nil {
		e.Outcome = audit.OutcomeDenied
		e.Reason = err.Error()
		res.Outcome, res.Reason = audit.OutcomeDenied, err.Error()
		log.Warn().Err(err).Str("actor", actorID).Str("session", sessionID).Str("mode", string(m)).
			Msg("mode switch refused")
	}
	s.record(ctx, e, &res.AuditID, &res.AuditError)
	return res, err
}

// EndSession revokes a session and audits it.
func (s *Service) EndSession(ctx context.Context, actorID, sessionID string) (SwitchResult, error) {
	if s.issuer == nil {
		return SwitchResult{}, ErrNoIssuer
	}
	err := s.issuer.Revoke(ctx, sessionID)
	e := audit.Entry{
		ActorID:   actorID,
		SessionID: sessionID,
		Operation: opSessionEnd,
		Outcome:   audit.OutcomeExecuted,
		RequestID: uuid.NewString(),
	}
	res := SwitchResult{Outcome: audit.OutcomeExecuted}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Reason = err.Error()
		res.Outcome, res.Reason = audit.OutcomeFailed, err.Error()
	}
	s.record(ctx, e, &res.AuditID, &res.AuditError)
	return res, err
}

func (s *Service) record(ctx context.Context, e audit.Entry, id, auditErr *string) {
	rec, err := s.audit.Append(context.WithoutCancel(ctx), e)
	*id = rec.ID
	if err != nil {
		*auditErr = err.Error()
		log.Error().Err(err).Str("op", e.Operation).Msg("mode decision not durably audited")
	}
}
