package mode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned by stores for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is the durable record of the context currently valid for a session.
type Session struct {
	ID        string
	ActorID   string
	Mode      Mode
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// SessionStore persists sessions so a restart does not revive retired contexts.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error
	Revoke(ctx context.Context, id string) error
}

// SQLSessionStore keeps sessions in the mode_sessions table.
type SQLSessionStore struct {
	db *sql.DB
}

func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

func (s *SQLSessionStore) Get(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		mode    string
		issued  int64
		expires int64
		revoked int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, actor_id, mode, token_id, issued_at, expires_at, revoked
		FROM mode_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ActorID, &mode, &sess.TokenID, &issued, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.Mode = Mode(mode)
	sess.IssuedAt = time.Unix(issued, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	sess.Revoked = revoked != 0
	return sess, nil
}

func (s *SQLSessionStore) Put(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mode_sessions (id, actor_id, mode, token_id, issued_at, expires_at, revoked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			actor_id = excluded.actor_id,
			mode = excluded.mode,
			token_id = excluded.token_id,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			updated_at = CURRENT_TIMESTAMP
	`, sess.ID, sess.ActorID, string(sess.Mode), sess.TokenID, sess.IssuedAt.Unix(), sess.ExpiresAt.Unix(), boolToInt(sess.Revoked))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mode_sessions SET revoked = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
