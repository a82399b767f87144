package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists audit records. Implementations offer no update or delete.
type Store interface {
	// Insert writes one record. Records may arrive out of sequence order
	// when spooled records are replayed.
	Insert(ctx context.Context, r Record) error
	// Tail returns the highest sequence and its checksum, or 0 and "" when empty.
	Tail(ctx context.Context) (int64, string, error)
	// Range returns up to limit records with seq > after, ascending.
	Range(ctx context.Context, after int64, limit int) ([]Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Has(ctx context.Context, id string) (bool, error)
}

// SQLiteStore writes to the audit_records table created by pkg/db.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteColumns = `seq, id, ts, actor_id, session_id, mode, operation, outcome, provider_used, reason, request_id, prev_checksum, checksum`

func (s *SQLiteStore) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_records (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.ID, formatTime(r.Timestamp), r.ActorID, r.SessionID, r.Mode, r.Operation,
		string(r.Outcome), nullable(r.ProviderUsed), r.Reason, r.RequestID, r.PrevChecksum, r.Checksum)
	if err != nil {
		return fmt.Errorf("insert audit record %d: %w", r.Seq, err)
	}
	return nil
}

func (s *SQLiteStore) Tail(ctx context.Context) (int64, string, error) {
	var seq int64
	var sum string
	err := s.db.QueryRowContext(ctx, `SELECT seq, checksum FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&seq, &sum)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit tail: %w", err)
	}
	return seq, sum, nil
}

func (s *SQLiteStore) Range(ctx context.Context, after int64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM audit_records
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("audit range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM audit_records
		ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_records WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("audit lookup %s: %w", id, err)
	}
	return n > 0, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var ts, outcome string
		var provider sql.NullString
		if err := rows.Scan(&r.Seq, &r.ID, &ts, &r.ActorID, &r.SessionID, &r.Mode, &r.Operation,
			&outcome, &provider, &r.Reason, &r.RequestID, &r.PrevChecksum, &r.Checksum); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("audit record %d timestamp: %w", r.Seq, err)
		}
		r.Timestamp = t
		r.Outcome = Outcome(outcome)
		if provider.Valid {
			p := provider.String
			r.ProviderUsed = &p
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
