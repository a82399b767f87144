package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/simulation"
)

type fakeLedger struct{ faults []*simulation.LedgerReconciliationFault }

func (f fakeLedger) VerifyAll(context.Context) []*simulation.LedgerReconciliationFault {
	return f.faults
}

type fakeAudit struct {
	replayed  int
	replayErr error
	report    audit.VerifyReport
	verifyErr error
	calls     []string
}

func (f *fakeAudit) Replay(context.Context) (int, error) {
	f.calls = append(f.calls, "replay")
	return f.replayed, f.replayErr
}

func (f *fakeAudit) Verify(context.Context) (audit.VerifyReport, error) {
	f.calls = append(f.calls, "verify")
	return f.report, f.verifyErr
}

func TestReconcileClean(t *testing.T) {
	a := &fakeAudit{replayed: 2, report: audit.VerifyReport{Checked: 10, LastSeq: 10, OK: true}}
	s := NewService(fakeLedger{}, a, nil, time.Minute)

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.HasIssues)
	assert.Equal(t, 2, rep.Replayed)
	assert.Equal(t, []string{"replay", "verify"}, a.calls, "replay heals gaps before the walk")
	assert.Same(t, rep, s.Last())
}

func TestReconcileReportsIssues(t *testing.T) {
	fault := &simulation.LedgerReconciliationFault{
		AccountID: "alice",
		Expected:  decimal.RequireFromString("100000"),
		Actual:    decimal.RequireFromString("100205.2"),
	}
	chainErr := &audit.ChainError{Seq: 4, Reason: "checksum mismatch"}
	a := &fakeAudit{report: audit.VerifyReport{Checked: 3, BrokenAt: 4, Reason: "checksum mismatch"}, verifyErr: chainErr}
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventAlert, 4)
	defer unsub()
	s := NewService(fakeLedger{faults: []*simulation.LedgerReconciliationFault{fault}}, a, bus, time.Minute)

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.HasIssues)
	require.Len(t, rep.LedgerFaults, 1)
	assert.Equal(t, LedgerDiff{AccountID: "alice", Expected: "100000", Actual: "100205.2"}, rep.LedgerFaults[0])
	assert.Equal(t, int64(4), rep.Audit.BrokenAt)
	assert.NotEmpty(t, rep.AuditError)

	select {
	case msg := <-alerts:
		assert.Equal(t, "Audit chain broken", msg.(events.Alert).Title)
	case <-time.After(time.Second):
		t.Fatal("expected alert")
	}

	// Same break again: no second alert.
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	select {
	case <-alerts:
		t.Fatal("duplicate alert for the same break")
	default:
	}
}

func TestReplayFailureIsAnIssue(t *testing.T) {
	a := &fakeAudit{replayErr: errors.New("store down"), report: audit.VerifyReport{OK: true}}
	s := NewService(nil, a, nil, 0)
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.HasIssues)
	assert.Equal(t, "store down", rep.ReplayError)
}

func TestNothingToCheck(t *testing.T) {
	_, err := NewService(nil, nil, nil, 0).RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoChecks)
}
