package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-router/internal/audit"
	"trading-router/internal/events"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/internal/ratelimit"
	"trading-router/internal/router"
	"trading-router/internal/simulation"
	"trading-router/pkg/db"
	"trading-router/pkg/exchanges/common"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// spyProvider serves every operation and counts calls per operation.
type spyProvider struct {
	common.Unsupported
	id   string
	fail map[common.Operation]error

	mu    sync.Mutex
	calls map[common.Operation]int
}

func newSpy(id string) *spyProvider {
	return &spyProvider{id: id, fail: map[common.Operation]error{}, calls: map[common.Operation]int{}}
}

func (s *spyProvider) ID() string                       { return s.id }
func (s *spyProvider) Capabilities() []common.Operation { return common.Operations() }
func (s *spyProvider) HealthPing(context.Context) error { return nil }

func (s *spyProvider) hit(op common.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.fail[op]
}

func (s *spyProvider) count(op common.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *spyProvider) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyProvider) Authenticate(context.Context, common.Credentials) (bool, error) {
	return true, s.hit(common.OpAuthenticate)
}

func (s *spyProvider) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := s.hit(common.OpPlaceOrder); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{OrderID: s.id + "-1", ClientID: req.ClientID, Symbol: req.Symbol, Status: common.StatusNew}, nil
}

func (s *spyProvider) CancelOrder(context.Context, common.CancelRequest) (bool, error) {
	return true, s.hit(common.OpCancelOrder)
}

func (s *spyProvider) ModifyOrder(context.Context, common.ModifyRequest) (common.OrderResult, error) {
	return common.OrderResult{}, s.hit(common.OpModifyOrder)
}

func (s *spyProvider) GetPositions(context.Context) ([]common.Position, error) {
	return nil, s.hit(common.OpGetPositions)
}

func (s *spyProvider) GetPortfolio(context.Context) (common.Portfolio, error) {
	return common.Portfolio{Currency: "USD", Cash: 10}, s.hit(common.OpGetPortfolio)
}

func (s *spyProvider) GetMarketData(_ context.Context, symbols []string) ([]common.MarketData, error) {
	if err := s.hit(common.OpGetMarketData); err != nil {
		return nil, err
	}
	out := make([]common.MarketData, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, common.MarketData{Symbol: sym, Price: 52.00})
	}
	return out, nil
}

func (s *spyProvider) TransferFunds(context.Context, common.TransferRequest) (common.TransferResult, error) {
	return common.TransferResult{}, s.hit(common.OpTransferFunds)
}

type stack struct {
	svc       *Service
	issuer    *mode.Issuer
	log       *audit.Log
	engine    *simulation.Engine
	registry  *gateway.Registry
	providers []*spyProvider
	bus       *events.Bus
}

func (s *stack) providerCalls() int {
	n := 0
	for _, p := range s.providers {
		n += p.total()
	}
	return n
}

func (s *stack) auditCount(t *testing.T) int {
	t.Helper()
	recs, err := s.log.Recent(context.Background(), 1000)
	require.NoError(t, err)
	return len(recs)
}

func (s *stack) issue(t *testing.T, m mode.Mode, actor, session string) *mode.Context {
	t.Helper()
	var proof mode.Proof
	if m == mode.Live {
		proof = mode.Proof{Method: "totp", ConfirmedBy: actor, ConfirmedAt: time.Now().Add(-time.Second)}
	}
	c, err := s.issuer.Issue(context.Background(), m, actor, session, proof)
	require.NoError(t, err)
	// Callers present only the token.
	return mode.Presented(c.Token())
}

func newStack(t *testing.T, probe bool, providers ...*spyProvider) *stack {
	t.Helper()
	database, err := db.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()
	bus := events.NewBus()

	issuer, err := mode.NewIssuer(mode.IssuerConfig{Secret: testSecret, TTL: time.Hour, NodeID: "node-test"},
		mode.NewSQLSessionStore(database.DB), bus)
	require.NoError(t, err)
	validator, err := mode.NewValidator(nil)
	require.NoError(t, err)

	records := make([]*gateway.Record, 0, len(providers))
	for i, p := range providers {
		rec, err := gateway.NewRecord(p, gateway.RecordConfig{Priority: i + 1, BreakerFailures: 10})
		require.NoError(t, err)
		records = append(records, rec)
	}
	reg, err := gateway.NewRegistry(records...)
	require.NoError(t, err)
	if probe {
		gateway.NewMonitor(reg, gateway.MonitorConfig{}, nil, bus).CheckAll(ctx)
	}
	limiter, err := ratelimit.NewMemory(nil)
	require.NoError(t, err)
	rt := router.New(reg, limiter, router.Config{}, nil)

	simCfg := simulation.DefaultConfig()
	simCfg.PartialFillProbability = 0
	simCfg.Slippage = decimal.RequireFromString("0.001")
	engine := simulation.NewEngine(simCfg, rt, simulation.NewSQLStore(database.DB), nil, bus)
	require.NoError(t, engine.Load(ctx))

	auditLog, err := audit.NewLog(ctx, audit.NewSQLiteStore(database.DB), nil, bus)
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Verifier: issuer,
		Perms:    validator,
		Paper:    engine,
		Live:     rt,
		Audit:    auditLog,
		Bus:      bus,
		Issuer:   issuer,
	})
	require.NoError(t, err)
	return &stack{svc: svc, issuer: issuer, log: auditLog, engine: engine, registry: reg, providers: providers, bus: bus}
}

var buy100 = common.OrderRequest{Symbol: "AAPL", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 100}

func TestPaperOrderSettlesOnLedgerOnly(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	c := s.issue(t, mode.Paper, "alice", "s1")

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpPlaceOrder, Params: buy100, Context: c})
	require.Equal(t, audit.OutcomeExecuted, res.Outcome, res.Detail)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, mode.Paper, res.Mode)
	assert.Empty(t, res.Provider)

	fill := res.Data.(common.OrderResult)
	assert.Equal(t, common.StatusFilled, fill.Status)
	assert.InDelta(t, 52.052, fill.AvgPrice, 1e-9)
	assert.InDelta(t, 94794.8, s.engine.Portfolio("alice").Cash, 1e-9)

	assert.Zero(t, spy.count(common.OpPlaceOrder), "paper orders never reach a provider")
	assert.Equal(t, 1, spy.count(common.OpGetMarketData), "reference price only")

	recs, err := s.log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ProviderUsed)
	assert.Equal(t, "alice", recs[0].ActorID)
	assert.Equal(t, res.AuditID, recs[0].ID)
}

func TestPaperDeniedOperationsNeverReachProviders(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	c := s.issue(t, mode.Paper, "alice", "s1")

	denied := 0
	for _, op := range common.Operations() {
		if mode.IsAllowed(op, mode.Paper) {
			continue
		}
		denied++
		res := s.svc.Execute(context.Background(), Request{Operation: op, Context: c})
		assert.Equal(t, audit.OutcomeDenied, res.Outcome, op)
		assert.Equal(t, CodeDeniedByMode, res.Code, op)
		assert.Equal(t, "operation not permitted in mode", res.Reason)
	}
	require.Positive(t, denied)
	assert.Zero(t, s.providerCalls())
	assert.Equal(t, denied, s.auditCount(t))
}

func TestLiveFailoverRecordsServingProvider(t *testing.T) {
	p1, p2, p3 := newSpy("p1"), newSpy("p2"), newSpy("p3")
	p1.fail[common.OpPlaceOrder] = common.NewProviderError("p1", common.KindTransport, errors.New("reset"))
	p2.fail[common.OpPlaceOrder] = common.NewProviderError("p2", common.KindTransport, errors.New("reset"))
	s := newStack(t, true, p1, p2, p3)
	c := s.issue(t, mode.Live, "bob", "s2")

	res := s.svc.Execute(context.Background(), Request{ID: "req-42", Operation: common.OpPlaceOrder, Params: buy100, Context: c})
	require.Equal(t, audit.OutcomeExecuted, res.Outcome, res.Detail)
	assert.Equal(t, "p3", res.Provider)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "req-42", res.Data.(common.OrderResult).ClientID)

	for _, id := range []string{"p1", "p2"} {
		rec, ok := s.registry.Get(id)
		require.True(t, ok)
		assert.Equal(t, 1, rec.Stats(common.OpPlaceOrder).Failures, id)
	}

	recs, err := s.log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].ProviderUsed)
	assert.Equal(t, "p3", *recs[0].ProviderUsed)
	assert.Equal(t, "req-42", recs[0].RequestID)
}

func TestMaintenanceDeniesOrders(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	c := s.issue(t, mode.Maintenance, "ops", "s3")

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpPlaceOrder, Params: buy100, Context: c})
	assert.Equal(t, audit.OutcomeDenied, res.Outcome)
	assert.Equal(t, CodeDeniedByMode, res.Code)
	assert.Zero(t, s.providerCalls())
	_, opened := s.engine.Snapshot("ops")
	assert.False(t, opened)

	res = s.svc.Execute(context.Background(), Request{Operation: common.OpGetPortfolio, Context: c})
	assert.Equal(t, audit.OutcomeExecuted, res.Outcome)
	assert.Equal(t, "p1", res.Provider)
	assert.Equal(t, 2, s.auditCount(t))
}

type expiredVerifier struct{}

func (expiredVerifier) Verify(context.Context, *mode.Context) (*mode.Context, error) {
	return nil, fmt.Errorf("%w: %w", mode.ErrInvalidContext, mode.ErrExpired)
}

func TestExpiredContextIsDenied(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	security, unsub := s.bus.Subscribe(events.EventSecurity, 1)
	defer unsub()
	s.svc.verifier = expiredVerifier{}

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpGetPortfolio, Context: mode.Presented("stale")})
	assert.Equal(t, audit.OutcomeDenied, res.Outcome)
	assert.Equal(t, CodeInvalidContext, res.Code)
	assert.Equal(t, "invalid context", res.Reason)
	assert.Zero(t, s.providerCalls())

	recs, err := s.log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeDenied, recs[0].Outcome)
	assert.Nil(t, recs[0].ProviderUsed)

	select {
	case <-security:
	case <-time.After(time.Second):
		t.Fatal("no security event")
	}
}

func TestMissingOrForgedContextIsDenied(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	valid := s.issue(t, mode.Live, "bob", "s1")

	for name, c := range map[string]*mode.Context{
		"missing": nil,
		"empty":   mode.Presented(""),
		"forged":  mode.Presented(valid.Token() + "x"),
	} {
		res := s.svc.Execute(context.Background(), Request{Operation: common.OpGetPortfolio, Context: c})
		assert.Equal(t, CodeInvalidContext, res.Code, name)
	}
	assert.Zero(t, s.providerCalls())
	assert.Equal(t, 3, s.auditCount(t))
}

func TestSwitchRetiresPreviousContext(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, true, spy)
	ctx := context.Background()
	paper := s.issue(t, mode.Paper, "carol", "s9")

	sw, err := s.svc.SwitchMode(ctx, mode.Live, "carol", "s9",
		mode.Proof{Method: "typed_phrase", ConfirmedBy: "carol", ConfirmedAt: time.Now()})
	require.NoError(t, err)
	require.NotNil(t, sw.Context)
	assert.NotEmpty(t, sw.AuditID)

	res := s.svc.Execute(ctx, Request{Operation: common.OpGetPositions, Context: paper})
	assert.Equal(t, CodeInvalidContext, res.Code)
	assert.Contains(t, res.Detail, mode.ErrSuperseded.Error())

	res = s.svc.Execute(ctx, Request{Operation: common.OpGetPositions, Context: mode.Presented(sw.Context.Token())})
	assert.Equal(t, audit.OutcomeExecuted, res.Outcome)

	refused, err := s.svc.SwitchMode(ctx, mode.Live, "carol", "s9", mode.Proof{})
	assert.ErrorIs(t, err, mode.ErrProof)
	assert.Equal(t, audit.OutcomeDenied, refused.Outcome)

	_, err = s.svc.EndSession(ctx, "carol", "s9")
	require.NoError(t, err)
	res = s.svc.Execute(ctx, Request{Operation: common.OpGetPositions, Context: mode.Presented(sw.Context.Token())})
	assert.Equal(t, CodeInvalidContext, res.Code)

	// switch, execute, refused switch, end, execute, plus the first execute
	assert.Equal(t, 6, s.auditCount(t))
}

func TestUnprobedProvidersGiveNoAvailableProvider(t *testing.T) {
	spy := newSpy("p1")
	s := newStack(t, false, spy)
	c := s.issue(t, mode.Live, "bob", "s1")

	res := s.svc.Execute(context.Background(), Request{
		Operation: common.OpGetMarketData,
		Payload:   []byte(`{"symbols":["aapl"]}`),
		Context:   c,
	})
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)
	assert.Equal(t, CodeNoAvailableProvider, res.Code)
	assert.True(t, res.Retryable)
	assert.Positive(t, res.RetryAfter)
	assert.Zero(t, s.providerCalls())
}

func TestInvalidPayloadIsAuditedFailure(t *testing.T) {
	s := newStack(t, true, newSpy("p1"))
	c := s.issue(t, mode.Live, "bob", "s1")

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpPlaceOrder, Payload: []byte(`{"symbol":""}`), Context: c})
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)
	assert.Equal(t, CodeInvalidPayload, res.Code)
	assert.Zero(t, s.providerCalls())
	assert.Equal(t, 1, s.auditCount(t))
}

func TestEveryCallAuditedExactlyOnce(t *testing.T) {
	spy := newSpy("p1")
	spy.fail[common.OpCancelOrder] = common.NewProviderError("p1", common.KindRejected, errors.New("unknown order"))
	s := newStack(t, true, spy)
	paper := s.issue(t, mode.Paper, "alice", "a")
	live := s.issue(t, mode.Live, "bob", "b")
	maint := s.issue(t, mode.Maintenance, "ops", "c")

	calls := 0
	var wg sync.WaitGroup
	for _, c := range []*mode.Context{paper, live, maint, nil} {
		for _, op := range common.Operations() {
			calls++
			wg.Add(1)
			go func(c *mode.Context, op common.Operation) {
				defer wg.Done()
				var params any
				switch op {
				case common.OpPlaceOrder:
					params = common.OrderRequest{Symbol: "AAPL", Side: common.SideBuy, Qty: 1}
				case common.OpCancelOrder:
					params = common.CancelRequest{OrderID: "x"}
				case common.OpModifyOrder:
					params = common.ModifyRequest{OrderID: "x", Qty: 1}
				case common.OpGetMarketData:
					params = common.MarketDataRequest{Symbols: []string{"AAPL"}}
				case common.OpTransferFunds:
					params = common.TransferRequest{Asset: "USDT", Amount: 1}
				case common.OpAuthenticate:
					params = common.Credentials{}
				}
				res := s.svc.Execute(context.Background(), Request{Operation: op, Params: params, Context: c})
				assert.NotEmpty(t, res.AuditID)
				assert.Empty(t, res.AuditError)
			}(c, op)
		}
	}
	wg.Wait()

	assert.Equal(t, calls, s.auditCount(t))
	rep, err := s.log.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, rep.Checked)
}

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, audit.Entry) (audit.Record, error) {
	return audit.Record{}, &audit.WriteFailure{RecordID: "r", Seq: 1, Err: errors.New("disk full")}
}

func TestAuditFailureKeepsOutcome(t *testing.T) {
	s := newStack(t, true, newSpy("p1"))
	s.svc.audit = brokenAudit{}
	c := s.issue(t, mode.Live, "bob", "s1")

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpGetPortfolio, Context: c})
	assert.Equal(t, audit.OutcomeExecuted, res.Outcome)
	assert.Equal(t, "p1", res.Provider)
	assert.Contains(t, res.AuditError, "disk full")
}

type faultyPaper struct{}

func (faultyPaper) Execute(context.Context, string, common.Operation, any) (any, error) {
	return nil, &simulation.LedgerReconciliationFault{AccountID: "alice"}
}

func TestLedgerFaultIsSurfaced(t *testing.T) {
	s := newStack(t, true, newSpy("p1"))
	s.svc.paper = faultyPaper{}
	c := s.issue(t, mode.Paper, "alice", "s1")

	res := s.svc.Execute(context.Background(), Request{Operation: common.OpPlaceOrder, Params: buy100, Context: c})
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)
	assert.Equal(t, CodeLedgerFault, res.Code)
	assert.False(t, res.Retryable)
}
