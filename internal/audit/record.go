// Package audit keeps the append-only, hash-chained record of every
// execution decision.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outcome classifies an execution for the audit trail.
type Outcome string

const (
	OutcomeExecuted Outcome = "ALLOWED_EXECUTED"
	OutcomeFailed   Outcome = "ALLOWED_FAILED"
	OutcomeDenied   Outcome = "DENIED"
)

// Valid reports whether o is one of the three recorded outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeExecuted || o == OutcomeFailed || o == OutcomeDenied
}

const checksumVersion = "v1"

// Entry is what a caller hands to Log.Append. The log assigns sequence,
// id, timestamp and checksums.
type Entry struct {
	ActorID      string
	SessionID    string
	Mode         string
	Operation    string
	Outcome      Outcome
	ProviderUsed *string
	Reason       string
	RequestID    string
}

// Record is one persisted audit line.
type Record struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actor_id"`
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode"`
	Operation    string    `json:"operation"`
	Outcome      Outcome   `json:"outcome"`
	ProviderUsed *string   `json:"provider_used"`
	Reason       string    `json:"reason"`
	RequestID    string    `json:"request_id"`
	PrevChecksum string    `json:"prev_checksum"`
	Checksum     string    `json:"checksum"`
}

// Normalized is the exact string the checksum covers. Fields are quoted so
// no value can forge a separator.
func (r Record) Normalized() string {
	provider := ""
	if r.ProviderUsed != nil {
		provider = *r.ProviderUsed
	}
	fields := []string{
		strconv.FormatInt(r.Seq, 10),
		r.ID,
		formatTime(r.Timestamp),
		r.ActorID,
		r.SessionID,
		r.Mode,
		r.Operation,
		string(r.Outcome),
		provider,
		r.Reason,
		r.RequestID,
		r.PrevChecksum,
	}
	var b strings.Builder
	b.WriteString(checksumVersion)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(f))
	}
	return b.String()
}

// ComputeChecksum returns the hex SHA-256 of the normalized record.
func (r Record) ComputeChecksum() string {
	sum := sha256.Sum256([]byte(r.Normalized()))
	return hex.EncodeToString(sum[:])
}

// Sealed reports whether the stored checksum matches the content.
func (r Record) Sealed() bool {
	return r.Checksum != "" && r.Checksum == r.ComputeChecksum()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var (
	// ErrChainBroken is matched by every *ChainError.
	ErrChainBroken = errors.New("audit chain broken")
	ErrClosed      = errors.New("audit log closed")
)

// ChainError pinpoints the first record that fails verification.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

func (e *ChainError) Is(target error) bool { return target == ErrChainBroken }

// WriteFailure reports a record that could not be written to the store.
// When Spooled is true the record is safe on disk and will be replayed.
type WriteFailure struct {
	RecordID string
	Seq      int64
	Spooled  bool
	Err      error
}

func (e *WriteFailure) Error() string {
	state := "lost"
	if e.Spooled {
		state = "spooled for replay"
	}
	return fmt.Sprintf("audit write failed for record %s (seq %d, %s): %v", e.RecordID, e.Seq, state, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }
