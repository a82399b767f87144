package audit

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres"), time.Second), mock
}

func sealed(seq int64, prev string) Record {
	provider := "sidecar-1"
	r := Record{
		Seq:          seq,
		ID:           "rec-" + string(rune('a'+seq)),
		Timestamp:    time.Date(2026, 5, 4, 10, 0, int(seq), 0, time.UTC),
		ActorID:      "alice",
		SessionID:    "s1",
		Mode:         "LIVE",
		Operation:    "place_order",
		Outcome:      OutcomeExecuted,
		ProviderUsed: &provider,
		RequestID:    "req",
		PrevChecksum: prev,
	}
	r.Checksum = r.ComputeChecksum()
	return r
}

var pgColumns = []string{"seq", "id", "ts", "actor_id", "session_id", "mode", "operation", "outcome",
	"provider_used", "reason", "request_id", "prev_checksum", "checksum"}

func rowValues(r Record) []driver.Value {
	var provider driver.Value
	if r.ProviderUsed != nil {
		provider = *r.ProviderUsed
	}
	return []driver.Value{r.Seq, r.ID, formatTime(r.Timestamp), r.ActorID, r.SessionID, r.Mode, r.Operation,
		string(r.Outcome), provider, r.Reason, r.RequestID, r.PrevChecksum, r.Checksum}
}

func TestPostgresInsert(t *testing.T) {
	store, mock := newMockPostgres(t)
	r := sealed(1, "")

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(rowValues(r)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertDuplicate(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key"})

	err := store.Insert(context.Background(), sealed(1, ""))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresTail(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT seq, checksum FROM audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "checksum"}))
	mock.ExpectQuery("SELECT seq, checksum FROM audit_records").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "checksum"}).AddRow(int64(7), "abc"))

	seq, sum, err := store.Tail(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, sum)

	seq, sum, err = store.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.Equal(t, "abc", sum)
}

func TestPostgresRangeFeedsVerify(t *testing.T) {
	store, mock := newMockPostgres(t)
	first := sealed(1, "")
	second := sealed(2, first.Checksum)

	rows := sqlmock.NewRows(pgColumns).AddRow(rowValues(first)...).AddRow(rowValues(second)...)
	mock.ExpectQuery("SELECT \\* FROM audit_records WHERE seq > \\$1").
		WithArgs(int64(0), verifyPage).
		WillReturnRows(rows)

	l := &Log{store: store, now: time.Now}
	rep, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, int64(2), rep.LastSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}
