package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trading-router/internal/events"
)

const verifyPage = 500

// Log appends records to a Store under a single mutex so every record
// chains to exactly one predecessor. Records the store refuses go to the
// spool and are replayed later with their original seq and checksum.
type Log struct {
	store Store
	spool *Spool
	bus   *events.Bus
	now   func() time.Time

	mu       sync.Mutex
	lastSeq  int64
	lastSum  string
	failures uint64
}

// NewLog replays any spooled records and positions the chain at the tail.
// spool and bus may be nil.
func NewLog(ctx context.Context, store Store, spool *Spool, bus *events.Bus) (*Log, error) {
	l := &Log{store: store, spool: spool, bus: bus, now: time.Now}
	if _, err := l.Replay(ctx); err != nil {
		log.Warn().Err(err).Msg("audit spool replay incomplete; continuing with spooled tail")
	}
	seq, sum, err := store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}
	l.lastSeq, l.lastSum = seq, sum
	if spool != nil {
		for _, r := range spool.Pending() {
			if r.Seq > l.lastSeq {
				l.lastSeq, l.lastSum = r.Seq, r.Checksum
			}
		}
	}
	log.Info().Int64("seq", l.lastSeq).Msg("audit log ready")
	return l, nil
}

// Append seals e into the chain and persists it. The returned record is
// valid even on error when the failure is a spooled *WriteFailure.
func (l *Log) Append(ctx context.Context, e Entry) (Record, error) {
	if !e.Outcome.Valid() {
		return Record{}, fmt.Errorf("invalid audit outcome %q", e.Outcome)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r := Record{
		Seq:          l.lastSeq + 1,
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		ActorID:      e.ActorID,
		SessionID:    e.SessionID,
		Mode:         e.Mode,
		Operation:    e.Operation,
		Outcome:      e.Outcome,
		ProviderUsed: e.ProviderUsed,
		Reason:       e.Reason,
		RequestID:    e.RequestID,
		PrevChecksum: l.lastSum,
	}
	r.Checksum = r.ComputeChecksum()

	err := l.store.Insert(ctx, r)
	if err == nil {
		l.lastSeq, l.lastSum = r.Seq, r.Checksum
		l.bus.Publish(events.EventAuditAppended, r)
		return r, nil
	}

	failure := &WriteFailure{RecordID: r.ID, Seq: r.Seq, Err: err}
	if l.spool != nil {
		if spoolErr := l.spool.Append(r); spoolErr == nil {
			failure.Spooled = true
			l.lastSeq, l.lastSum = r.Seq, r.Checksum
		} else {
			failure.Err = errors.Join(err, spoolErr)
		}
	}
	l.failures++
	l.escalate(failure)
	return r, failure
}

func (l *Log) escalate(f *WriteFailure) {
	log.Error().Err(f.Err).Str("record", f.RecordID).Int64("seq", f.Seq).Bool("spooled", f.Spooled).
		Msg("audit write failure")
	at := l.now()
	l.bus.Publish(events.EventAuditWriteFailed, f)
	l.bus.Publish(events.EventAlert, events.Alert{
		Severity: "critical",
		Title:    "Audit write failure",
		Message:  f.Error(),
		At:       at,
	})
}

// Replay pushes spooled records into the store. It returns how many were
// written and stops at the first store error.
func (l *Log) Replay(ctx context.Context) (int, error) {
	if l.spool == nil {
		return 0, nil
	}
	written := 0
	for _, r := range l.spool.Pending() {
		exists, err := l.store.Has(ctx, r.ID)
		if err != nil {
			return written, err
		}
		if !exists {
			if err := l.store.Insert(ctx, r); err != nil {
				return written, fmt.Errorf("replay audit record %d: %w", r.Seq, err)
			}
			written++
		}
		l.spool.MarkCommitted(r.ID)
	}
	if written > 0 {
		log.Info().Int("records", written).Msg("replayed spooled audit records")
	}
	return written, nil
}

// Failures returns the number of write failures since start.
func (l *Log) Failures() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Recent returns the newest records first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.Recent(ctx, limit)
}

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	Checked  int    `json:"checked"`
	LastSeq  int64  `json:"last_seq"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Pending  int    `json:"pending_spooled"`
}

// Verify walks the stored chain from the first record. A gap, a bad link or
// a checksum mismatch yields a *ChainError naming the first bad seq.
// Records still in the spool are counted as Pending; gaps they would fill
// are reported as breaks until they are replayed.
func (l *Log) Verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	if l.spool != nil {
		rep.Pending = l.spool.Len()
	}

	var prev Record
	after := int64(0)
	for {
		page, err := l.store.Range(ctx, after, verifyPage)
		if err != nil {
			return rep, err
		}
		for _, r := range page {
			if cerr := checkLink(prev, r); cerr != nil {
				rep.BrokenAt, rep.Reason = cerr.Seq, cerr.Reason
				return rep, cerr
			}
			prev = r
			rep.Checked++
			rep.LastSeq = r.Seq
		}
		if len(page) < verifyPage {
			break
		}
		after = page[len(page)-1].Seq
	}
	rep.OK = true
	return rep, nil
}

func checkLink(prev, r Record) *ChainError {
	switch {
	case r.Seq != prev.Seq+1:
		return &ChainError{Seq: prev.Seq + 1, Reason: fmt.Sprintf("missing record (next stored seq is %d)", r.Seq)}
	case r.PrevChecksum != prev.Checksum:
		return &ChainError{Seq: r.Seq, Reason: "previous checksum does not match"}
	case !r.Sealed():
		return &ChainError{Seq: r.Seq, Reason: "checksum does not match content"}
	}
	return nil
}
