// Package reconciliation periodically re-checks the books: every virtual
// account must still balance and the audit chain must still verify.
package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/simulation"
	"trading-router/pkg/i18n"
)

// LedgerVerifier reconciles every virtual account.
type LedgerVerifier interface {
	VerifyAll(ctx context.Context) []*simulation.LedgerReconciliationFault
}

// AuditChecker replays spooled records and walks the chain.
type AuditChecker interface {
	Replay(ctx context.Context) (int, error)
	Verify(ctx context.Context) (audit.VerifyReport, error)
}

// Service handles periodic reconciliation
type Service struct {
	ledger   LedgerVerifier
	audit    AuditChecker
	bus      *events.Bus
	interval time.Duration

	mu         sync.Mutex
	lastBroken int64
	last       *Report
}

// Report contains reconciliation results
type Report struct {
	Timestamp    time.Time          `json:"timestamp"`
	LedgerFaults []LedgerDiff       `json:"ledger_faults"`
	Replayed     int                `json:"replayed"`
	ReplayError  string             `json:"replay_error,omitempty"`
	Audit        audit.VerifyReport `json:"audit"`
	AuditError   string             `json:"audit_error,omitempty"`
	HasIssues    bool               `json:"has_issues"`
}

// LedgerDiff is one account whose books do not balance.
type LedgerDiff struct {
	AccountID string `json:"account_id"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// NewService creates a new reconciliation service. Either checker may be nil.
func NewService(ledger LedgerVerifier, auditLog AuditChecker, bus *events.Bus, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{ledger: ledger, audit: auditLog, bus: bus, interval: interval}
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.handleReport(s.Reconcile(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Msgf(i18n.M().ReconStarted, s.interval)
}

// Reconcile performs one pass. Spooled audit records are replayed before the
// chain is verified so a healed gap does not count as a break.
func (s *Service) Reconcile(ctx context.Context) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC(), LedgerFaults: []LedgerDiff{}}

	if s.ledger != nil {
		for _, f := range s.ledger.VerifyAll(ctx) {
			report.LedgerFaults = append(report.LedgerFaults, LedgerDiff{
				AccountID: f.AccountID,
				Expected:  f.Expected.String(),
				Actual:    f.Actual.String(),
			})
		}
	}

	if s.audit != nil {
		n, err := s.audit.Replay(ctx)
		report.Replayed = n
		if err != nil {
			report.ReplayError = err.Error()
		}
		rep, err := s.audit.Verify(ctx)
		report.Audit = rep
		if err != nil {
			report.AuditError = err.Error()
		}
	}

	report.HasIssues = len(report.LedgerFaults) > 0 || report.ReplayError != "" || report.AuditError != ""
	s.last = report
	return report
}

// Last returns the most recent report, or nil before the first pass.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report *Report) {
	if !report.HasIssues {
		log.Debug().Int("audit_records", report.Audit.Checked).Msg("reconciliation ok")
		return
	}
	for _, d := range report.LedgerFaults {
		log.Error().Str("account", d.AccountID).Str("expected", d.Expected).Str("actual", d.Actual).
			Msg("reconciliation: ledger does not balance")
	}
	if report.ReplayError != "" {
		log.Error().Str("error", report.ReplayError).Int("pending", report.Audit.Pending).
			Msg("reconciliation: audit replay failed")
	}
	if report.AuditError == "" {
		return
	}
	log.Error().Str("error", report.AuditError).Int64("broken_at", report.Audit.BrokenAt).
		Msg("reconciliation: audit chain broken")

	// One alert per distinct break.
	s.mu.Lock()
	fresh := report.Audit.BrokenAt != s.lastBroken
	s.lastBroken = report.Audit.BrokenAt
	s.mu.Unlock()
	if fresh {
		s.bus.Publish(events.EventAlert, events.Alert{
			Severity: "critical",
			Title:    "Audit chain broken",
			Message:  report.AuditError,
			At:       report.Timestamp,
		})
	}
}

// ErrNoChecks is returned by RunOnce when nothing is configured to check.
var ErrNoChecks = errors.New("reconciliation: nothing to check")

// RunOnce reconciles and reports, for the CLI.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	if s.ledger == nil && s.audit == nil {
		return nil, ErrNoChecks
	}
	report := s.Reconcile(ctx)
	s.handleReport(report)
	return report, nil
}
