package mode

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-router/internal/events"
	"trading-router/pkg/db"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestIssuer(t *testing.T) (*Issuer, *clock, *events.Bus) {
	t.Helper()
	database, err := db.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	iss, err := NewIssuer(IssuerConfig{Secret: testSecret, TTL: time.Hour, NodeID: "node-a"}, NewSQLSessionStore(database.DB), bus)
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss.now = clk.now
	return iss, clk, bus
}

func liveProof(actor string, at time.Time) Proof {
	return Proof{Method: "totp", ConfirmedBy: actor, ConfirmedAt: at}
}

func TestIssueAndVerify(t *testing.T) {
	iss, _, bus := newTestIssuer(t)
	ctx := context.Background()
	switched, unsub := bus.Subscribe(events.EventModeSwitched, 4)
	defer unsub()

	c, err := iss.Issue(ctx, Paper, "alice", "s1", Proof{})
	require.NoError(t, err)
	assert.Equal(t, Paper, c.Mode())
	assert.Equal(t, "alice", c.ActorID())
	assert.NotEmpty(t, c.Token())

	got, err := iss.Verify(ctx, Presented(c.Token()))
	require.NoError(t, err)
	assert.Equal(t, Paper, got.Mode())
	assert.Equal(t, "s1", got.SessionID())
	assert.True(t, c.IssuedAt().Equal(got.IssuedAt()))

	ev := (<-switched).(events.ModeSwitch)
	assert.Equal(t, "PAPER", ev.To)
	assert.Empty(t, ev.From)
}

func TestSwitchSupersedesPreviousContext(t *testing.T) {
	iss, clk, _ := newTestIssuer(t)
	ctx := context.Background()

	paper, err := iss.Issue(ctx, Paper, "alice", "s1", Proof{})
	require.NoError(t, err)
	live, err := iss.Issue(ctx, Live, "alice", "s1", liveProof("alice", clk.now()))
	require.NoError(t, err)

	_, err = iss.Verify(ctx, paper)
	assert.ErrorIs(t, err, ErrInvalidContext)
	assert.ErrorIs(t, err, ErrSuperseded)

	got, err := iss.Verify(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, Live, got.Mode())
}

func TestVerifyRejects(t *testing.T) {
	iss, clk, _ := newTestIssuer(t)
	ctx := context.Background()
	c, err := iss.Issue(ctx, Maintenance, "bob", "s2", Proof{})
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		_, err := iss.Verify(ctx, nil)
		assert.ErrorIs(t, err, ErrMissing)
		_, err = iss.Verify(ctx, Presented(""))
		assert.ErrorIs(t, err, ErrMissing)
	})

	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(c.Token(), ".")
		require.Len(t, parts, 3)
		forged := base64.RawURLEncoding.EncodeToString([]byte(
			`{"mode":"LIVE","actor":"bob","sid":"s2","node":"node-a","iat":1772366400,"exp":1772370000}`))
		_, err := iss.Verify(ctx, Presented(parts[0]+"."+forged+"."+parts[2]))
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewIssuer(IssuerConfig{Secret: "ffffffffffffffffffffffffffffffff", NodeID: "node-a"}, iss.store, nil)
		require.NoError(t, err)
		_, err = other.Verify(ctx, c)
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("foreign node", func(t *testing.T) {
		other, err := NewIssuer(IssuerConfig{Secret: testSecret, NodeID: "node-b"}, iss.store, nil)
		require.NoError(t, err)
		other.now = clk.now
		_, err = other.Verify(ctx, c)
		assert.ErrorIs(t, err, ErrForeignNode)
	})

	t.Run("expired", func(t *testing.T) {
		clk.advance(2 * time.Hour)
		defer clk.advance(-2 * time.Hour)
		_, err := iss.Verify(ctx, c)
		assert.ErrorIs(t, err, ErrInvalidContext)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("revoked", func(t *testing.T) {
		require.NoError(t, iss.Revoke(ctx, "s2"))
		_, err := iss.Verify(ctx, c)
		assert.ErrorIs(t, err, ErrRevoked)
	})
}

func TestLiveRequiresProof(t *testing.T) {
	iss, clk, _ := newTestIssuer(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		proof Proof
	}{
		{"none", Proof{}},
		{"unknown method", Proof{Method: "wink", ConfirmedBy: "alice", ConfirmedAt: clk.now()}},
		{"other actor", liveProof("mallory", clk.now())},
		{"stale", liveProof("alice", clk.now().Add(-10*time.Minute))},
		{"future", liveProof("alice", clk.now().Add(time.Minute))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := iss.Issue(ctx, Live, "alice", "s3", tc.proof)
			assert.ErrorIs(t, err, ErrProof)
		})
	}
}

func TestIssueInputValidation(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()

	_, err := iss.Issue(ctx, Mode("GOD"), "a", "s", Proof{})
	assert.ErrorIs(t, err, ErrInvalidMode)
	_, err = iss.Issue(ctx, Paper, "", "s", Proof{})
	assert.ErrorIs(t, err, ErrActorRequired)
	_, err = iss.Issue(ctx, Paper, "a", "", Proof{})
	assert.ErrorIs(t, err, ErrSessionRequired)

	_, err = iss.Issue(ctx, Paper, "a", "owned", Proof{})
	require.NoError(t, err)
	_, err = iss.Issue(ctx, Paper, "b", "owned", Proof{})
	assert.ErrorIs(t, err, ErrSessionOwner)

	_, err = NewIssuer(IssuerConfig{Secret: "short"}, iss.store, nil)
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestConcurrentSwitchesLeaveOneValidContext(t *testing.T) {
	iss, clk, _ := newTestIssuer(t)
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Context
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := Paper
			proof := Proof{}
			if i%2 == 0 {
				m = Live
				proof = liveProof("alice", clk.now())
			}
			c, err := iss.Issue(ctx, m, "alice", "shared", proof)
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			mu.Lock()
			results = append(results, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, results, n)

	valid := 0
	for _, c := range results {
		if _, err := iss.Verify(ctx, c); err == nil {
			valid++
		} else {
			assert.ErrorIs(t, err, ErrSuperseded)
		}
	}
	assert.Equal(t, 1, valid)
}

func TestRestartKeepsRetiredContextsDead(t *testing.T) {
	database, err := db.NewMemory()
	require.NoError(t, err)
	defer database.Close()
	store := NewSQLSessionStore(database.DB)

	cfg := IssuerConfig{Secret: testSecret, NodeID: "node-a"}
	first, err := NewIssuer(cfg, store, nil)
	require.NoError(t, err)
	old, err := first.Issue(context.Background(), Paper, "alice", "s1", Proof{})
	require.NoError(t, err)
	_, err = first.Issue(context.Background(), Maintenance, "alice", "s1", Proof{})
	require.NoError(t, err)

	restarted, err := NewIssuer(cfg, store, nil)
	require.NoError(t, err)
	_, err = restarted.Verify(context.Background(), Presented(old.Token()))
	assert.ErrorIs(t, err, ErrSuperseded)
}

// stallingStore holds the first Get after arm until release is closed. The
// row it returns was read before stalling.
type stallingStore struct {
	SessionStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Get(ctx context.Context, id string) (Session, error) {
	sess, err := s.SessionStore.Get(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return sess, err
}

func TestRevokeWinsOverConcurrentCacheFill(t *testing.T) {
	database, err := db.NewMemory()
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	cfg := IssuerConfig{Secret: testSecret, NodeID: "node-a"}
	first, err := NewIssuer(cfg, NewSQLSessionStore(database.DB), nil)
	require.NoError(t, err)
	c, err := first.Issue(ctx, Paper, "alice", "s1", Proof{})
	require.NoError(t, err)

	store := &stallingStore{
		SessionStore: NewSQLSessionStore(database.DB),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	iss, err := NewIssuer(cfg, store, nil)
	require.NoError(t, err)
	store.armed.Store(true)

	verified := make(chan error, 1)
	go func() {
		_, err := iss.Verify(ctx, Presented(c.Token()))
		verified <- err
	}()
	<-store.entered

	revoked := make(chan error, 1)
	go func() { revoked <- iss.Revoke(ctx, "s1") }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-revoked)
	<-verified

	_, err = iss.Verify(ctx, Presented(c.Token()))
	assert.ErrorIs(t, err, ErrInvalidContext)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestSharedStoreChangesVisibleAfterCacheTTL(t *testing.T) {
	database, err := db.NewMemory()
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	cfg := IssuerConfig{Secret: testSecret, TTL: time.Hour, NodeID: "node-a", CacheTTL: time.Second}
	a, err := NewIssuer(cfg, NewSQLSessionStore(database.DB), nil)
	require.NoError(t, err)
	b, err := NewIssuer(cfg, NewSQLSessionStore(database.DB), nil)
	require.NoError(t, err)
	a.now, b.now = clk.now, clk.now

	c, err := a.Issue(ctx, Paper, "alice", "s1", Proof{})
	require.NoError(t, err)
	_, err = b.Verify(ctx, Presented(c.Token()))
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, "s1"))
	_, err = a.Verify(ctx, Presented(c.Token()))
	assert.ErrorIs(t, err, ErrRevoked)

	// b serves its cached row until the entry ages out.
	_, err = b.Verify(ctx, Presented(c.Token()))
	require.NoError(t, err)

	clk.advance(time.Second)
	_, err = b.Verify(ctx, Presented(c.Token()))
	assert.ErrorIs(t, err, ErrRevoked)

	next, err := a.Issue(ctx, Maintenance, "alice", "s2", Proof{})
	require.NoError(t, err)
	_, err = b.Verify(ctx, Presented(next.Token()))
	require.NoError(t, err)
	_, err = a.Issue(ctx, Paper, "alice", "s2", Proof{})
	require.NoError(t, err)

	clk.advance(time.Second)
	_, err = b.Verify(ctx, Presented(next.Token()))
	assert.ErrorIs(t, err, ErrSuperseded)
}
