package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/execution"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/internal/monitor"
	"trading-router/internal/ratelimit"
	"trading-router/internal/router"
	"trading-router/internal/simulation"
	"trading-router/pkg/db"
	"trading-router/pkg/exchanges/common"
	"trading-router/pkg/exchanges/mock"
)

const (
	jwtSecret  = "test-operator-secret"
	modeSecret = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	srv    *Server
	log    *audit.Log
	engine *simulation.Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	database, err := db.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	bus := events.NewBus()

	venue := mock.New(mock.Config{ID: "mock-1", StartPrice: 100, Step: 0.01, Seed: 1})
	// Quotes and portfolio only: LIVE orders have nowhere to go.
	rec, err := gateway.NewRecord(venue, gateway.RecordConfig{
		Priority:     1,
		Capabilities: []common.Operation{common.OpGetMarketData, common.OpGetPortfolio},
	})
	require.NoError(t, err)
	reg, err := gateway.NewRegistry(rec)
	require.NoError(t, err)
	gateway.NewMonitor(reg, gateway.MonitorConfig{}, nil, bus).CheckAll(ctx)
	limiter, err := ratelimit.NewMemory(nil)
	require.NoError(t, err)
	metrics := monitor.NewMetrics()
	rt := router.New(reg, limiter, router.Config{}, metrics)

	issuer, err := mode.NewIssuer(mode.IssuerConfig{Secret: modeSecret, TTL: time.Hour, NodeID: "node-api"},
		mode.NewSQLSessionStore(database.DB), bus)
	require.NoError(t, err)
	validator, err := mode.NewValidator(nil)
	require.NoError(t, err)

	simCfg := simulation.DefaultConfig()
	simCfg.PartialFillProbability = 0
	engine := simulation.NewEngine(simCfg, rt, simulation.NewSQLStore(database.DB), nil, bus)
	require.NoError(t, engine.Load(ctx))

	auditLog, err := audit.NewLog(ctx, audit.NewSQLiteStore(database.DB), nil, bus)
	require.NoError(t, err)

	svc, err := execution.NewService(execution.Deps{
		Verifier: issuer, Perms: validator, Paper: engine, Live: rt,
		Audit: auditLog, Bus: bus, Observer: metrics, Issuer: issuer,
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)

	opts.Exec = svc
	opts.Registry = reg
	opts.Audit = auditLog
	opts.Paper = engine
	opts.HistoryDB = database.DB
	opts.Metrics = metrics
	opts.Bus = bus
	opts.Operators = map[string]string{"alice": string(hash)}
	opts.JWTSecret = jwtSecret
	opts.Meta = SystemMeta{Version: "test", Node: "node-api"}
	return &testEnv{srv: NewServer(opts), log: auditLog, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", gin.H{"operator_id": "alice", "password": "hunter22"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)["token"].(string)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *testEnv) switchTo(t *testing.T, token string, body gin.H) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/mode/switch", body, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.NotEmpty(t, out["audit_id"])
	return out["token"].(string)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.NotEmpty(t, env.login(t))

	for name, body := range map[string]gin.H{
		"wrong password":   {"operator_id": "alice", "password": "nope"},
		"unknown operator": {"operator_id": "mallory", "password": "hunter22"},
	} {
		rec := env.do(t, http.MethodPost, "/api/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login", gin.H{"operator_id": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedOperatorToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/api/audit", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", decode(t, rec)["code"])

	rec = env.do(t, http.MethodGet, "/api/audit", nil, bearer("garbage"))
	assert.Equal(t, "INVALID_TOKEN", decode(t, rec)["code"])

	rec = env.do(t, http.MethodGet, "/api/audit", nil, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, "INVALID_AUTH_HEADER", decode(t, rec)["code"])
}

func TestPaperOrderOverHTTP(t *testing.T) {
	env := newTestEnv(t, Options{})
	op := env.login(t)
	ctxToken := env.switchTo(t, op, gin.H{"mode": "PAPER", "session_id": "s1"})

	rec := env.do(t, http.MethodPost, "/api/execute", gin.H{
		"operation": "place_order",
		"payload":   gin.H{"symbol": "btcusdt", "side": "BUY", "qty": 1},
	}, map[string]string{ModeContextHeader: ctxToken, "X-Request-ID": "req-paper-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "ALLOWED_EXECUTED", out["outcome"])
	assert.Equal(t, "PAPER", out["mode"])
	assert.Equal(t, "req-paper-1", out["request_id"])
	assert.Equal(t, "req-paper-1", rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/api/paper/accounts/alice", nil, bearer(op))
	require.Equal(t, http.StatusOK, rec.Code)
	acct := decode(t, rec)["account"].(map[string]any)
	assert.Len(t, acct["positions"], 1)

	rec = env.do(t, http.MethodGet, "/api/paper/accounts/nobody", nil, bearer(op))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteWithoutContextIsAudited(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/execute", gin.H{"operation": "get_portfolio"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CONTEXT", decode(t, rec)["code"])

	recs, err := env.log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeDenied, recs[0].Outcome)

	rec = env.do(t, http.MethodPost, "/api/execute", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveSwitchAndRouting(t *testing.T) {
	env := newTestEnv(t, Options{})
	op := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/mode/switch", gin.H{"mode": "LIVE", "session_id": "s2"}, bearer(op))
	assert.Equal(t, http.StatusForbidden, rec.Code, "LIVE needs a proof")

	rec = env.do(t, http.MethodPost, "/api/mode/switch", gin.H{"mode": "LIVE", "session_id": "s2", "password": "wrong"}, bearer(op))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/mode/switch", gin.H{"mode": "SANDBOX"}, bearer(op))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	live := env.switchTo(t, op, gin.H{"mode": "LIVE", "session_id": "s2", "password": "hunter22"})

	rec = env.do(t, http.MethodPost, "/api/execute", gin.H{"operation": "get_portfolio"}, map[string]string{ModeContextHeader: live})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "mock-1", decode(t, rec)["provider"])

	// No provider serves orders.
	rec = env.do(t, http.MethodPost, "/api/execute", gin.H{
		"operation": "place_order",
		"payload":   gin.H{"symbol": "BTCUSDT", "side": "BUY", "qty": 1},
	}, map[string]string{ModeContextHeader: live})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "NO_AVAILABLE_PROVIDER", out["code"])
	assert.Equal(t, true, out["retryable"])
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodDelete, "/api/mode/sessions/s2", nil, bearer(op))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/execute", gin.H{"operation": "get_portfolio"}, map[string]string{ModeContextHeader: live})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/mode/sessions/never", nil, bearer(op))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	op := env.login(t)
	paper := env.switchTo(t, op, gin.H{"mode": "PAPER", "session_id": "s3"})
	env.do(t, http.MethodPost, "/api/execute", gin.H{"operation": "transfer_funds"}, map[string]string{ModeContextHeader: paper})

	rec := env.do(t, http.MethodGet, "/api/audit?limit=5", nil, bearer(op))
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode(t, rec)["records"].([]any)
	require.Len(t, records, 2)
	newest := records[0].(map[string]any)
	assert.Equal(t, "transfer_funds", newest["operation"])
	assert.Equal(t, "DENIED", newest["outcome"])

	rec = env.do(t, http.MethodGet, "/api/audit/verify", nil, bearer(op))
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode(t, rec)
	assert.Equal(t, true, rep["ok"])
	assert.Equal(t, float64(2), rep["checked"])
}

func TestProvidersAndHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	op := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/providers", nil, bearer(op))
	require.Equal(t, http.StatusOK, rec.Code)
	providers := decode(t, rec)["providers"].([]any)
	require.Len(t, providers, 1)
	assert.Equal(t, "HEALTHY", providers[0].(map[string]any)["status"])

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode(t, rec)
	assert.Equal(t, float64(1), health["providers_healthy"])
	assert.Equal(t, "node-api", health["node"])

	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = env.do(t, http.MethodGet, "/api/reconciliation", nil, bearer(op))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	env := newTestEnv(t, Options{RatePerSecond: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, nil).Code)
	}
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestIPLimiterSweep(t *testing.T) {
	l := newIPLimiters(1, 1)
	now := time.Now()
	l.get("10.0.0.1", now)
	l.get("10.0.0.2", now.Add(9*time.Minute))
	l.sweep(5*time.Minute, now.Add(10*time.Minute))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "10.0.0.2")
}

func TestAuditStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	op := env.login(t)
	ts := httptest.NewServer(env.srv.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/audit?access_token=" + op
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade; keep producing records until
	// one arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(`{"operation":"get_portfolio"}`))
				env.srv.Router.ServeHTTP(httptest.NewRecorder(), req)
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var streamed map[string]any
	require.NoError(t, conn.ReadJSON(&streamed))
	assert.Equal(t, "get_portfolio", streamed["operation"])
	assert.Equal(t, "DENIED", streamed["outcome"])

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/audit", nil)
	assert.Error(t, err, "stream requires an operator token")
}
