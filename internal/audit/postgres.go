package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
    seq BIGINT PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    ts TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    operation TEXT NOT NULL,
    outcome TEXT NOT NULL,
    provider_used TEXT,
    reason TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    prev_checksum TEXT NOT NULL,
    checksum TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION audit_records_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit records are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_records_no_mutation ON audit_records;
CREATE TRIGGER audit_records_no_mutation
    BEFORE UPDATE OR DELETE ON audit_records
    FOR EACH ROW EXECUTE FUNCTION audit_records_append_only();
`

// uniqueViolation is the postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// ErrDuplicate is returned when a record with the same seq or id exists.
var ErrDuplicate = errors.New("audit record already stored")

// PostgresStore keeps the audit log in postgres for deployments that
// share one trail across router instances.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return NewPostgresStore(db, timeout), nil
}

func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgRow struct {
	Seq          int64          `db:"seq"`
	ID           string         `db:"id"`
	Ts           string         `db:"ts"`
	ActorID      string         `db:"actor_id"`
	SessionID    string         `db:"session_id"`
	Mode         string         `db:"mode"`
	Operation    string         `db:"operation"`
	Outcome      string         `db:"outcome"`
	ProviderUsed sql.NullString `db:"provider_used"`
	Reason       string         `db:"reason"`
	RequestID    string         `db:"request_id"`
	PrevChecksum string         `db:"prev_checksum"`
	Checksum     string         `db:"checksum"`
}

func (r pgRow) record() (Record, error) {
	ts, err := parseTime(r.Ts)
	if err != nil {
		return Record{}, fmt.Errorf("audit record %d timestamp: %w", r.Seq, err)
	}
	rec := Record{
		Seq:          r.Seq,
		ID:           r.ID,
		Timestamp:    ts,
		ActorID:      r.ActorID,
		SessionID:    r.SessionID,
		Mode:         r.Mode,
		Operation:    r.Operation,
		Outcome:      Outcome(r.Outcome),
		Reason:       r.Reason,
		RequestID:    r.RequestID,
		PrevChecksum: r.PrevChecksum,
		Checksum:     r.Checksum,
	}
	if r.ProviderUsed.Valid {
		p := r.ProviderUsed.String
		rec.ProviderUsed = &p
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (seq, id, ts, actor_id, session_id, mode, operation, outcome,
			provider_used, reason, request_id, prev_checksum, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.Seq, r.ID, formatTime(r.Timestamp), r.ActorID, r.SessionID, r.Mode, r.Operation,
		string(r.Outcome), nullable(r.ProviderUsed), r.Reason, r.RequestID, r.PrevChecksum, r.Checksum)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: seq %d: %v", ErrDuplicate, r.Seq, err)
		}
		return fmt.Errorf("insert audit record %d: %w", r.Seq, err)
	}
	return nil
}

func (s *PostgresStore) Tail(ctx context.Context) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row struct {
		Seq      int64  `db:"seq"`
		Checksum string `db:"checksum"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT seq, checksum FROM audit_records ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit tail: %w", err)
	}
	return row.Seq, row.Checksum, nil
}

func (s *PostgresStore) Range(ctx context.Context, after int64, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT * FROM audit_records WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, after, limit)
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT * FROM audit_records ORDER BY seq DESC LIMIT $1`, limit)
}

func (s *PostgresStore) Has(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM audit_records WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("audit lookup %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []pgRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
