package mode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trading-router/internal/events"
)

// IssuerConfig configures context issuance.
type IssuerConfig struct {
	Secret      string
	TTL         time.Duration
	ProofMaxAge time.Duration
	// NodeID binds tokens to this process host. Empty means the machine id.
	NodeID string
	// CacheTTL bounds how long a cached session is trusted before it is
	// re-read from the store, which is how revocations and switches made
	// by another instance sharing the store become visible.
	CacheTTL time.Duration
}

// Issuer creates and verifies mode contexts. Switches for one session are
// serialized; different sessions proceed in parallel.
type Issuer struct {
	secret      []byte
	ttl         time.Duration
	proofMaxAge time.Duration
	cacheTTL    time.Duration
	node        string
	store       SessionStore
	bus         *events.Bus

	locks sync.Map // session id -> *sync.Mutex
	cache sync.Map // session id -> cachedSession

	now func() time.Time
}

type cachedSession struct {
	sess   Session
	loaded time.Time
}

func NewIssuer(cfg IssuerConfig, store SessionStore, bus *events.Bus) (*Issuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrSecretTooShort
	}
	if store == nil {
		return nil, errors.New("mode: session store required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 8 * time.Hour
	}
	if cfg.ProofMaxAge <= 0 {
		cfg.ProofMaxAge = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	node := cfg.NodeID
	if node == "" {
		node = localNodeID()
	}
	return &Issuer{
		secret:      []byte(cfg.Secret),
		ttl:         cfg.TTL,
		proofMaxAge: cfg.ProofMaxAge,
		cacheTTL:    cfg.CacheTTL,
		node:        node,
		store:       store,
		bus:         bus,
		now:         time.Now,
	}, nil
}

func localNodeID() string {
	id, err := machineid.ProtectedID("trading-router")
	if err == nil {
		return id
	}
	log.Warn().Err(err).Msg("machine id unavailable; binding contexts to hostname")
	host, _ := os.Hostname()
	return "host:" + host
}

// Node returns the identity embedded in issued tokens.
func (i *Issuer) Node() string { return i.node }

// Issue produces a new context for sessionID in mode m and retires any
// context previously issued for that session.
func (i *Issuer) Issue(ctx context.Context, m Mode, actorID, sessionID string, proof Proof) (*Context, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	if actorID == "" {
		return nil, ErrActorRequired
	}
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	now := i.now().UTC().Truncate(time.Second)
	if err := proof.validate(m, actorID, now, i.proofMaxAge); err != nil {
		return nil, err
	}

	mu := i.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	var from Mode
	prev, err := i.sessionLocked(ctx, sessionID)
	switch {
	case err == nil:
		if prev.ActorID != actorID {
			return nil, ErrSessionOwner
		}
		if !prev.Revoked {
			from = prev.Mode
		}
	case errors.Is(err, ErrSessionNotFound):
	default:
		return nil, err
	}

	claims := Claims{
		Mode:    m,
		Actor:   actorID,
		Session: sessionID,
		Node:    i.node,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := signToken(i.secret, claims)
	if err != nil {
		return nil, fmt.Errorf("sign context: %w", err)
	}

	sess := Session{
		ID:        sessionID,
		ActorID:   actorID,
		Mode:      m,
		TokenID:   claims.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	i.remember(sess)

	log.Info().
		Str("session", sessionID).
		Str("actor", actorID).
		Str("from", string(from)).
		Str("to", string(m)).
		Str("proof", proof.Method).
		Msg("mode context issued")
	i.bus.Publish(events.EventModeSwitched, events.ModeSwitch{
		SessionID: sessionID,
		ActorID:   actorID,
		From:      string(from),
		To:        string(m),
		At:        now,
	})

	return &Context{
		mode:      m,
		actorID:   actorID,
		sessionID: sessionID,
		issuedAt:  now,
		expiresAt: sess.ExpiresAt,
		tokenID:   claims.ID,
		token:     token,
	}, nil
}

// Verify checks the token of c and returns the trusted context it encodes.
// Every failure wraps ErrInvalidContext.
func (i *Issuer) Verify(ctx context.Context, c *Context) (*Context, error) {
	if c == nil || c.token == "" {
		return nil, invalid(ErrMissing)
	}
	claims, err := parseToken(i.secret, c.token, i.now)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, invalid(ErrExpired)
		}
		return nil, invalid(err)
	}
	if claims.Node != i.node {
		return nil, invalid(ErrForeignNode)
	}
	if !claims.Mode.Valid() {
		return nil, invalid(ErrInvalidMode)
	}
	if c.mode != "" && (c.mode != claims.Mode || c.actorID != claims.Actor || c.sessionID != claims.Session) {
		return nil, invalid(ErrFieldMismatch)
	}

	sess, err := i.session(ctx, claims.Session)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return nil, invalid(ErrRevoked)
	case err != nil:
		return nil, err
	}
	if sess.Revoked {
		return nil, invalid(ErrRevoked)
	}
	if sess.TokenID != claims.ID {
		return nil, invalid(ErrSuperseded)
	}
	if sess.ActorID != claims.Actor {
		return nil, invalid(ErrFieldMismatch)
	}

	return &Context{
		mode:      claims.Mode,
		actorID:   claims.Actor,
		sessionID: claims.Session,
		issuedAt:  claims.IssuedAt.Time.UTC(),
		expiresAt: claims.ExpiresAt.Time.UTC(),
		tokenID:   claims.ID,
		token:     c.token,
	}, nil
}

// Revoke ends a session; its current context stops verifying.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	mu := i.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := i.store.Revoke(ctx, sessionID); err != nil {
		return err
	}
	if v, ok := i.cache.Load(sessionID); ok {
		sess := v.(cachedSession).sess
		sess.Revoked = true
		i.remember(sess)
	}
	log.Info().Str("session", sessionID).Msg("mode session revoked")
	return nil
}

// session returns the cached session while it is fresh. A miss is resolved
// under the session lock so a store read cannot overwrite a concurrent
// Issue or Revoke with an older row.
func (i *Issuer) session(ctx context.Context, id string) (Session, error) {
	if sess, ok := i.cached(id); ok {
		return sess, nil
	}
	mu := i.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return i.sessionLocked(ctx, id)
}

// sessionLocked requires the session lock.
func (i *Issuer) sessionLocked(ctx context.Context, id string) (Session, error) {
	if sess, ok := i.cached(id); ok {
		return sess, nil
	}
	sess, err := i.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			i.cache.Delete(id)
		}
		return Session{}, err
	}
	i.remember(sess)
	return sess, nil
}

func (i *Issuer) cached(id string) (Session, bool) {
	v, ok := i.cache.Load(id)
	if !ok {
		return Session{}, false
	}
	c := v.(cachedSession)
	if i.now().Sub(c.loaded) >= i.cacheTTL {
		return Session{}, false
	}
	return c.sess, true
}

func (i *Issuer) remember(sess Session) {
	i.cache.Store(sess.ID, cachedSession{sess: sess, loaded: i.now()})
}

func (i *Issuer) lockFor(sessionID string) *sync.Mutex {
	v, _ := i.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func invalid(reason error) error {
	return fmt.Errorf("%w: %w", ErrInvalidContext, reason)
}
